package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/fang"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mhornik/tracklog/internal/auth"
	"github.com/mhornik/tracklog/internal/config"
	"github.com/mhornik/tracklog/internal/history"
	"github.com/mhornik/tracklog/internal/settings"
	"github.com/mhornik/tracklog/internal/tracksync/cache"
	"github.com/mhornik/tracklog/internal/tracksync/jira"
	"github.com/mhornik/tracklog/internal/tracksync/session"
	"github.com/mhornik/tracklog/internal/tracksync/sync"
	"github.com/mhornik/tracklog/internal/tracksync/ui"
	"github.com/mhornik/tracklog/internal/tracksync/upwork"
)

var (
	settingsPath    string
	refreshInterval time.Duration
	weeklyTotalFile string

	logComment  string
	logEstimate float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracklog",
		Short: "Mirror tracked work sessions into issue-tracker worklogs",
		Long: `tracklog keeps a tracking session in sync with an issue tracker:
it suggests issues to track, searches them instantly from a local cache,
and logs the tracked time as worklogs when a session closes or switches.`,
	}

	defaultSettings := filepath.Join(config.MustTracklogConfigDir(), "settings.yaml")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", defaultSettings, "Path to the settings file")

	rootCmd.AddCommand(
		newAuthCmd(),
		newDisconnectCmd(),
		newSearchCmd(),
		newSuggestCmd(),
		newLogCmd(),
		newTrackCmd(),
	)

	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize tracklog against the issue tracker",
		Long: `Run the OAuth2 authorization-code flow: a browser window is opened and
tracklog waits for the tracker to redirect back to a local listener.
Client credentials and the instance URL must be present in the settings file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			oauth := auth.NewSession(store, auth.Endpoints{})
			if err := oauth.Authenticate(ctx); err != nil {
				return err
			}

			fmt.Println("Authorized. Tokens were stored in", settingsPath)
			return nil
		},
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Revoke the stored tokens and clear the authentication state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings()
			if err != nil {
				return err
			}

			oauth := auth.NewSession(store, auth.Endpoints{})
			oauth.OnDisconnected(func() {
				fmt.Println("Disconnected from the tracker.")
			})
			oauth.Disconnect(cmd.Context())
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <text>",
		Short: "Search issues, cache first with an API fallback",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine()
			if err != nil {
				return err
			}

			query := strings.Join(args, " ")

			results, found := engine.service.SearchFromCache(query)
			if !found {
				if results, err = engine.service.SearchFromAPI(cmd.Context(), query); err != nil {
					return fmt.Errorf("search failed: %w", err)
				}
			}

			if len(results) == 0 {
				fmt.Println(sync.PlaceholderNotFound)
				return nil
			}
			for _, issue := range results {
				printIssue(issue)
			}
			return nil
		},
	}
}

func newSuggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest",
		Short: "Show the assembled issue suggestions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine()
			if err != nil {
				return err
			}

			suggestions := engine.service.DefaultSuggestions(cmd.Context())
			if suggestions.Placeholder != "" {
				fmt.Println(suggestions.Placeholder)
				return nil
			}

			for _, section := range suggestions.Sections {
				fmt.Printf("%s:\n", section.Label)
				for _, issue := range section.Issues {
					printIssue(issue)
				}
			}
			return nil
		},
	}
}

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <issue-key> <duration>",
		Short: "Log time against an issue",
		Long: `Submit a single worklog, for example: tracklog log PROJ-123 1h30m.
A non-negative --remaining-estimate additionally sets the issue's remaining
estimate, in hours.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			duration, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("cannot parse duration %q: %w", args[1], err)
			}

			engine, err := buildEngine()
			if err != nil {
				return err
			}

			result := engine.service.LogTime(cmd.Context(), sync.LogRequest{
				IssueKey:               strings.ToUpper(args[0]),
				Duration:               duration,
				Comment:                logComment,
				RemainingEstimateHours: logEstimate,
			})
			if !result.Success {
				return fmt.Errorf("failed to log time: %s", result.ErrorMessage)
			}

			fmt.Printf("Logged %s against %s\n", result.TimeLogged, result.IssueKey)
			return nil
		},
	}

	cmd.Flags().StringVarP(&logComment, "comment", "c", "", "Worklog comment")
	cmd.Flags().Float64Var(&logEstimate, "remaining-estimate", -1, "Set the remaining estimate to this many hours (negative leaves it unchanged)")

	return cmd
}

func newTrackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Run an interactive tracking session",
		Long: `Open the interactive tracking UI. Selecting an issue starts (or switches)
the tracking session; stopping or switching submits the closed window as a
worklog when it meets the mode's minimum. The issue cache is refreshed in the
background while the UI is open.

When --weekly-total-file points to a readable file containing a duration
(for example "10h15m"), the session runs in upwork mode and derives elapsed
time from the deltas of that weekly total; otherwise wall-clock time is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrack(cmd.Context())
		},
	}

	cmd.Flags().DurationVar(&refreshInterval, "refresh-interval", 5*time.Minute, "Issue cache refresh interval")
	cmd.Flags().StringVar(&weeklyTotalFile, "weekly-total-file", "", "File holding the external tracker's weekly total")

	return cmd
}

type engine struct {
	store   *settings.FileStore
	oauth   *auth.Session
	cache   *cache.Cache
	service *sync.Service
}

func openSettings() (*settings.FileStore, error) {
	store, err := settings.NewFileStore(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open settings: %w", err)
	}
	return store, nil
}

func buildEngine() (*engine, error) {
	store, err := openSettings()
	if err != nil {
		return nil, err
	}

	oauth := auth.NewSession(store, auth.Endpoints{})

	excluded := sets.New[string]()
	for _, status := range strings.Split(store.Get(settings.KeyExcludedStatuses), ",") {
		if status = strings.TrimSpace(status); status != "" {
			excluded.Insert(status)
		}
	}

	issueCache := cache.New(nil, excluded)
	service := sync.NewService(oauth, issueCache, store)
	// The service doubles as the cache's fetcher so refreshes share the
	// refresh-and-retry policy.
	issueCache.SetFetcher(service)

	return &engine{store: store, oauth: oauth, cache: issueCache, service: service}, nil
}

func runTrack(ctx context.Context) error {
	engine, err := buildEngine()
	if err != nil {
		return err
	}

	dataDir, err := config.TracklogDataDir()
	if err != nil {
		return err
	}
	sessionHistory, err := history.Open(filepath.Join(dataDir, "session-history.log"))
	if err != nil {
		return err
	}
	defer sessionHistory.Close()

	reader := fileWeeklyTotalReader(weeklyTotalFile)
	mode, initialTotal := upwork.DetectMode(reader)

	tracking := session.New(mode, engine.service, sessionHistory, session.WithInitialWeeklyTotal(initialTotal))

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go engine.cache.Run(refreshCtx, refreshInterval)

	model := ui.NewModel(engine.service, tracking, reader)
	if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil {
		return fmt.Errorf("tracking UI failed: %w", err)
	}

	return nil
}

// fileWeeklyTotalReader treats a file holding a parseable duration as the
// external tracker. A missing or unparseable file means the tracker cannot be
// read.
func fileWeeklyTotalReader(path string) upwork.WeeklyTotalReader {
	if path == "" {
		return nil
	}

	return func() *time.Duration {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		total, err := time.ParseDuration(strings.TrimSpace(string(data)))
		if err != nil {
			logrus.WithError(err).Warnf("cannot parse weekly total from %s", path)
			return nil
		}
		return &total
	}
}

func printIssue(issue jira.Issue) {
	assignee := issue.Assignee
	if assignee == "" {
		assignee = "unassigned"
	}
	fmt.Printf("  %-12s %-14s %-20s %s\n", issue.Key, issue.Status, assignee, issue.Summary)
}
