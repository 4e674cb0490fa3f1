// Package ui implements the interactive tracking terminal UI: issue
// suggestions and search in a table, with start/switch/stop driving the
// tracking session.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mhornik/tracklog/internal/tracksync/jira"
	"github.com/mhornik/tracklog/internal/tracksync/session"
	"github.com/mhornik/tracklog/internal/tracksync/sync"
	"github.com/mhornik/tracklog/internal/tracksync/upwork"
)

const (
	elapsedTickInterval = time.Second
	weeklyPollInterval  = 30 * time.Second
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	trackingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	placeholderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("250")).
				Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)
)

type suggestionsMsg sync.Suggestions

type searchResultsMsg struct {
	query  string
	issues []jira.Issue
}

type weeklyTotalMsg time.Duration

type elapsedTickMsg time.Time

type weeklyPollMsg time.Time

type worklogMsg sync.WorklogResult

// row pairs a displayed table row with the issue it represents; section
// heading rows carry no issue.
type row struct {
	issue   *jira.Issue
	section string
}

// Model is the tracking TUI model.
type Model struct {
	service  *sync.Service
	tracking *session.Session
	reader   upwork.WeeklyTotalReader

	worklogs chan sync.WorklogResult

	table   table.Model
	spinner spinner.Model
	search  textinput.Model

	rows        []row
	loaded      bool
	placeholder string
	lastResult  *sync.WorklogResult
	searching   bool
}

// NewModel wires the TUI to the engine components. The worklog channel is fed
// by the service's completion events.
func NewModel(service *sync.Service, tracking *session.Session, reader upwork.WeeklyTotalReader) *Model {
	columns := []table.Column{
		{Title: "", Width: 10},
		{Title: "Key", Width: 12},
		{Title: "Summary", Width: 48},
		{Title: "Status", Width: 14},
		{Title: "Assignee", Width: 18},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("240")).
		Bold(true)
	t.SetStyles(styles)

	search := textinput.New()
	search.Placeholder = "type to search issues"
	search.CharLimit = 80

	worklogs := make(chan sync.WorklogResult, 8)
	service.OnWorklogCompleted(func(result sync.WorklogResult) {
		select {
		case worklogs <- result:
		default:
		}
	})

	return &Model{
		service:  service,
		tracking: tracking,
		reader:   reader,
		worklogs: worklogs,
		table:    t,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Points)),
		search:   search,
	}
}

// Init loads the default suggestions and starts the periodic ticks.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.spinner.Tick,
		m.loadSuggestions(),
		m.waitForWorklog(),
		tea.Tick(elapsedTickInterval, func(t time.Time) tea.Msg { return elapsedTickMsg(t) }),
	}
	if m.tracking.Mode() == session.ModeUpwork {
		cmds = append(cmds, tea.Tick(weeklyPollInterval, func(t time.Time) tea.Msg { return weeklyPollMsg(t) }))
	}
	return tea.Batch(cmds...)
}

func (m *Model) loadSuggestions() tea.Cmd {
	return func() tea.Msg {
		return suggestionsMsg(m.service.DefaultSuggestions(context.Background()))
	}
}

func (m *Model) searchAPI(query string) tea.Cmd {
	return func() tea.Msg {
		issues, err := m.service.SearchFromAPI(context.Background(), query)
		if err != nil {
			return searchResultsMsg{query: query}
		}
		return searchResultsMsg{query: query, issues: issues}
	}
}

func (m *Model) waitForWorklog() tea.Cmd {
	return func() tea.Msg {
		return worklogMsg(<-m.worklogs)
	}
}

func (m *Model) readWeeklyTotal() tea.Cmd {
	return func() tea.Msg {
		if m.reader == nil {
			return nil
		}
		total := m.reader()
		if total == nil {
			return nil
		}
		return weeklyTotalMsg(*total)
	}
}

// Update handles messages and updates the model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case suggestionsMsg:
		m.loaded = true
		m.setSuggestions(sync.Suggestions(msg))
		return m, nil

	case searchResultsMsg:
		if msg.query != strings.TrimSpace(m.search.Value()) {
			// A newer query superseded this result.
			return m, nil
		}
		m.setIssues(msg.issues)
		return m, nil

	case weeklyTotalMsg:
		m.tracking.UpdateWeeklyTotal(time.Duration(msg))
		return m, nil

	case weeklyPollMsg:
		return m, tea.Batch(
			m.readWeeklyTotal(),
			tea.Tick(weeklyPollInterval, func(t time.Time) tea.Msg { return weeklyPollMsg(t) }),
		)

	case elapsedTickMsg:
		return m, tea.Tick(elapsedTickInterval, func(t time.Time) tea.Msg { return elapsedTickMsg(t) })

	case worklogMsg:
		result := sync.WorklogResult(msg)
		m.lastResult = &result
		return m, m.waitForWorklog()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.search.Focused() {
		switch msg.String() {
		case "esc":
			m.search.Blur()
			m.search.SetValue("")
			m.searching = false
			return m, m.loadSuggestions()
		case "enter":
			m.search.Blur()
			return m, nil
		default:
			var cmd tea.Cmd
			m.search, cmd = m.search.Update(msg)
			return m, tea.Batch(cmd, m.runSearch())
		}
	}

	switch msg.String() {
	case "q", "ctrl+c":
		// Close the current window before leaving so tracked time is not lost.
		m.tracking.Stop()
		return m, tea.Quit
	case "/":
		m.search.Focus()
		m.searching = true
		return m, textinput.Blink
	case "r":
		m.loaded = false
		return m, m.loadSuggestions()
	case "s":
		m.tracking.Stop()
		return m, nil
	case "enter":
		return m, m.startSelected()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// runSearch serves the query from the cache when it has content and falls
// back to an API search otherwise.
func (m *Model) runSearch() tea.Cmd {
	query := strings.TrimSpace(m.search.Value())
	if query == "" {
		return m.loadSuggestions()
	}

	results, found := m.service.SearchFromCache(query)
	if found {
		m.setIssues(results)
		return nil
	}

	m.setIssues(nil)
	return m.searchAPI(query)
}

func (m *Model) startSelected() tea.Cmd {
	cursor := m.table.Cursor()
	if cursor < 0 || cursor >= len(m.rows) || m.rows[cursor].issue == nil {
		return nil
	}

	issue := *m.rows[cursor].issue
	m.service.MarkIssueUsed(issue.Key)

	if m.tracking.State() == session.Active {
		m.tracking.ChangeIssue(issue)
	} else {
		m.tracking.Start(issue)
	}
	return nil
}

func (m *Model) setSuggestions(suggestions sync.Suggestions) {
	m.placeholder = suggestions.Placeholder

	var rows []row
	for _, section := range suggestions.Sections {
		rows = append(rows, row{section: section.Label})
		for i := range section.Issues {
			rows = append(rows, row{issue: &section.Issues[i]})
		}
	}
	m.setRows(rows)
}

func (m *Model) setIssues(issues []jira.Issue) {
	if len(issues) == 0 {
		m.placeholder = sync.PlaceholderNotFound
		m.setRows(nil)
		return
	}

	m.placeholder = ""
	var rows []row
	for i := range issues {
		rows = append(rows, row{issue: &issues[i]})
	}
	m.setRows(rows)
}

func (m *Model) setRows(rows []row) {
	m.rows = rows

	var tableRows []table.Row
	for _, r := range rows {
		if r.issue == nil {
			tableRows = append(tableRows, table.Row{r.section, "", "", "", ""})
			continue
		}
		tableRows = append(tableRows, table.Row{"", r.issue.Key, r.issue.Summary, r.issue.Status, r.issue.Assignee})
	}
	m.table.SetRows(tableRows)

	if cursor := m.table.Cursor(); cursor >= len(rows) {
		m.table.SetCursor(0)
	}
}

// View renders the model.
func (m *Model) View() string {
	var s strings.Builder

	s.WriteString(headerStyle.Render("tracklog"))
	s.WriteString("\n")

	if current := m.tracking.CurrentIssue(); current != nil {
		s.WriteString(trackingStyle.Render(fmt.Sprintf("Tracking %s for %s (%s mode)",
			current.Key, formatElapsed(m.tracking.Elapsed()), m.tracking.Mode())))
	} else {
		s.WriteString(statusStyle.Render(fmt.Sprintf("Not tracking (%s mode)", m.tracking.Mode())))
	}
	s.WriteString("\n\n")

	if m.searching || m.search.Value() != "" {
		s.WriteString(m.search.View())
		s.WriteString("\n")
	}

	if !m.loaded {
		s.WriteString(m.spinner.View())
		s.WriteString(" loading suggestions\n")
	} else if m.placeholder != "" {
		s.WriteString(placeholderStyle.Render(m.placeholder))
		s.WriteString("\n")
	} else {
		s.WriteString(m.table.View())
		s.WriteString("\n")
	}

	if m.lastResult != nil {
		s.WriteString("\n")
		if m.lastResult.Success {
			s.WriteString(statusStyle.Render(fmt.Sprintf("Logged %s against %s",
				formatElapsed(m.lastResult.TimeLogged), m.lastResult.IssueKey)))
		} else {
			s.WriteString(errorStyle.Render(fmt.Sprintf("Failed to log time against %s: %s",
				m.lastResult.IssueKey, m.lastResult.ErrorMessage)))
		}
		s.WriteString("\n")
	}

	s.WriteString(helpStyle.Render("Press enter to start/switch, 's' to stop, '/' to search, 'r' to reload, 'q' to quit"))

	return s.String()
}

func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
