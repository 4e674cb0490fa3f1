// Package sync orchestrates what the user sees while typing an issue and how
// tracked time is committed: suggestion assembly, cache-first search with API
// fallback, and worklog submission with refresh-and-retry on authorization
// failure.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mhornik/tracklog/internal/settings"
	"github.com/mhornik/tracklog/internal/tracksync/cache"
	"github.com/mhornik/tracklog/internal/tracksync/jira"
)

// maxAttempts bounds the shared retry policy: only HTTP 401 is retried, and
// each retry is preceded by a token refresh.
const maxAttempts = 3

// Suggestion section labels, in display order.
const (
	SectionRecent = "Recent"
	SectionMine   = "My Issues"
	SectionNew    = "New"
)

// Placeholder texts shown when no real suggestions exist.
const (
	PlaceholderSignIn   = "Sign in to load issue suggestions"
	PlaceholderNotFound = "Nothing found"
)

// TokenSession is the slice of the OAuth session the service depends on.
type TokenSession interface {
	IsAuthenticated() bool
	IsExpired() bool
	AccessToken() string
	CloudID() string
	RefreshToken() error
	RefreshIfCurrent(observed string) error
}

type apiClient interface {
	SearchIssues(ctx context.Context, jql string, startAt, maxResults int) ([]jira.Issue, error)
	AddWorklog(ctx context.Context, worklog jira.Worklog) error
}

// Section is one labeled group of suggested issues.
type Section struct {
	Label  string
	Issues []jira.Issue
}

// Suggestions is the assembled suggestion set. When Placeholder is non-empty
// there is nothing real to show.
type Suggestions struct {
	Sections    []Section
	Placeholder string
}

// Issues returns all suggested issues across sections, in display order.
func (s Suggestions) Issues() []jira.Issue {
	var all []jira.Issue
	for _, section := range s.Sections {
		all = append(all, section.Issues...)
	}
	return all
}

// LogRequest describes one worklog submission.
type LogRequest struct {
	IssueKey string
	Duration time.Duration
	Comment  string
	// RemainingEstimateHours sets the issue's remaining estimate when
	// non-negative; a negative value leaves it unchanged.
	RemainingEstimateHours float64
}

// WorklogResult is the outcome of one logging attempt, broadcast to observers
// and never stored by the engine.
type WorklogResult struct {
	Success      bool
	IssueKey     string
	TimeLogged   time.Duration
	ErrorMessage string
}

// Service is the single façade over the tracker API for searches and worklog
// submission.
type Service struct {
	session TokenSession
	cache   *cache.Cache
	store   settings.Store

	newClient func(tokens jira.TokenProvider, cloudID string) (apiClient, error)

	clientMu      sync.Mutex
	client        apiClient
	clientCloudID string

	suggestionsMu   sync.Mutex
	lastSuggestions *Suggestions

	callbackMu         sync.Mutex
	onWorklogCompleted []func(WorklogResult)
}

// NewService wires the service to the OAuth session, the issue cache and the
// settings store.
func NewService(session TokenSession, issueCache *cache.Cache, store settings.Store) *Service {
	return &Service{
		session: session,
		cache:   issueCache,
		store:   store,
		newClient: func(tokens jira.TokenProvider, cloudID string) (apiClient, error) {
			return jira.NewClient(tokens, cloudID)
		},
	}
}

// OnWorklogCompleted registers a callback fired once per LogTime call,
// success or failure.
func (s *Service) OnWorklogCompleted(callback func(WorklogResult)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onWorklogCompleted = append(s.onWorklogCompleted, callback)
}

func (s *Service) emitWorklogCompleted(result WorklogResult) {
	s.callbackMu.Lock()
	callbacks := append([]func(WorklogResult){}, s.onWorklogCompleted...)
	s.callbackMu.Unlock()
	for _, callback := range callbacks {
		callback(result)
	}
}

// tokenProviderFunc adapts the session to the jira client's token contract.
type tokenProviderFunc func() string

func (f tokenProviderFunc) AccessToken() string { return f() }

func (s *Service) api() (apiClient, error) {
	cloudID := s.session.CloudID()
	if cloudID == "" {
		return nil, errors.New("no workspace id resolved")
	}

	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	if s.client == nil || s.clientCloudID != cloudID {
		client, err := s.newClient(tokenProviderFunc(s.session.AccessToken), cloudID)
		if err != nil {
			return nil, err
		}
		s.client = client
		s.clientCloudID = cloudID
	}

	return s.client, nil
}

// withAuthRetry runs op under the shared retry policy: before each attempt an
// expired token is refreshed first (aborting on refresh failure); a 401
// triggers one refresh and a retry; any other failure aborts immediately.
func (s *Service) withAuthRetry(op func(client apiClient) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if s.session.IsExpired() {
			if err := s.session.RefreshToken(); err != nil {
				return fmt.Errorf("token refresh failed: %w", err)
			}
		}

		client, err := s.api()
		if err != nil {
			return err
		}

		observed := s.session.AccessToken()
		lastErr = op(client)
		if lastErr == nil {
			return nil
		}

		if !jira.IsUnauthorized(lastErr) {
			return lastErr
		}

		if err := s.session.RefreshIfCurrent(observed); err != nil {
			return fmt.Errorf("token refresh failed: %w", err)
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", maxAttempts, lastErr)
}

// SearchIssues executes a JQL query page under the retry policy. It also
// serves as the cache's fetcher.
func (s *Service) SearchIssues(ctx context.Context, jql string, startAt, maxResults int) ([]jira.Issue, error) {
	if !s.session.IsAuthenticated() {
		return nil, errors.New("not authenticated")
	}

	var page []jira.Issue
	err := s.withAuthRetry(func(client apiClient) error {
		found, err := client.SearchIssues(ctx, jql, startAt, maxResults)
		if err != nil {
			return err
		}
		page = found
		return nil
	})
	return page, err
}

// DefaultSuggestions assembles the Recent / My Issues / New sections. Every
// API-sourced issue is pushed into the cache as a side effect. On failure the
// last successfully computed set is preserved if one exists.
func (s *Service) DefaultSuggestions(ctx context.Context) Suggestions {
	if !s.session.IsAuthenticated() {
		return Suggestions{Placeholder: PlaceholderSignIn}
	}

	assembled, err := s.assembleSuggestions(ctx)
	if err != nil {
		logrus.WithError(err).Warn("failed to assemble suggestions")

		s.suggestionsMu.Lock()
		defer s.suggestionsMu.Unlock()
		if s.lastSuggestions != nil {
			return *s.lastSuggestions
		}
		return Suggestions{Placeholder: PlaceholderNotFound}
	}

	s.suggestionsMu.Lock()
	s.lastSuggestions = &assembled
	s.suggestionsMu.Unlock()

	return assembled
}

func (s *Service) assembleSuggestions(ctx context.Context) (Suggestions, error) {
	shown := sets.New[string]()
	var sections []Section

	recent, err := s.recentIssues(ctx)
	if err != nil {
		return Suggestions{}, err
	}
	if len(recent) > 0 {
		sections = append(sections, Section{Label: SectionRecent, Issues: recent})
		for _, issue := range recent {
			shown.Insert(issue.Key)
		}
	}

	mine, err := s.SearchIssues(ctx, jira.MyOpenSprintIssuesJQL(), 0, cache.SearchLimit)
	if err != nil {
		return Suggestions{}, err
	}
	if len(mine) == 0 {
		if mine, err = s.SearchIssues(ctx, jira.MyIssuesJQL(), 0, cache.SearchLimit); err != nil {
			return Suggestions{}, err
		}
	}
	s.cache.Add(mine...)
	if len(mine) > 0 {
		sections = append(sections, Section{Label: SectionMine, Issues: mine})
		for _, issue := range mine {
			shown.Insert(issue.Key)
		}
	}

	reported, err := s.SearchIssues(ctx, jira.MyReportedOrAssignedJQL(), 0, cache.SearchLimit)
	if err != nil {
		return Suggestions{}, err
	}
	s.cache.Add(reported...)
	var fresh []jira.Issue
	for _, issue := range reported {
		if !shown.Has(issue.Key) {
			fresh = append(fresh, issue)
		}
	}
	if len(fresh) > 0 {
		sections = append(sections, Section{Label: SectionNew, Issues: fresh})
	}

	if len(sections) == 0 {
		return Suggestions{Placeholder: PlaceholderNotFound}, nil
	}

	return Suggestions{Sections: sections}, nil
}

// recentIssues resolves the most-recently-selected issue keys, cache first,
// with a single API lookup for any keys the cache does not hold.
func (s *Service) recentIssues(ctx context.Context) ([]jira.Issue, error) {
	keys := settings.RecentIssueKeys(s.store)
	if len(keys) == 0 {
		return nil, nil
	}

	resolved := make(map[string]jira.Issue, len(keys))
	var missing []string
	for _, key := range keys {
		if issue, ok := s.cache.Get(key); ok {
			resolved[key] = issue
		} else {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		fetched, err := s.SearchIssues(ctx, jira.KeysJQL(missing), 0, len(missing))
		if err != nil {
			return nil, err
		}
		s.cache.Add(fetched...)
		for _, issue := range fetched {
			resolved[issue.Key] = issue
		}
	}

	// Preserve the stored recency order.
	var issues []jira.Issue
	for _, key := range keys {
		if issue, ok := resolved[key]; ok {
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

// SearchFromCache searches the local cache synchronously. The boolean reports
// whether real results were found; false tells the caller to fall back to an
// API search.
func (s *Service) SearchFromCache(text string) ([]jira.Issue, bool) {
	results := s.cache.Search(text)
	return results, len(results) > 0
}

// SearchFromAPI runs a "key or summary contains text" query against the
// tracker, used when the cache is empty. Results are cached.
func (s *Service) SearchFromAPI(ctx context.Context, text string) ([]jira.Issue, error) {
	results, err := s.SearchIssues(ctx, jira.SearchJQL(text), 0, cache.SearchLimit)
	if err != nil {
		return nil, err
	}
	s.cache.Add(results...)
	return results, nil
}

// MarkIssueUsed records key as the most recently selected issue.
func (s *Service) MarkIssueUsed(key string) {
	settings.PushRecentIssueKey(s.store, key)
	if err := s.store.Save(); err != nil {
		logrus.WithError(err).Warn("failed to persist recent issues")
	}
}

// LogTime submits tracked time against an issue and fires a single
// WorklogCompleted event regardless of outcome.
func (s *Service) LogTime(ctx context.Context, request LogRequest) WorklogResult {
	result := WorklogResult{
		IssueKey:   request.IssueKey,
		TimeLogged: request.Duration,
	}

	if !s.session.IsAuthenticated() || s.session.CloudID() == "" {
		result.ErrorMessage = "not authenticated against the tracker"
		s.emitWorklogCompleted(result)
		return result
	}

	err := s.withAuthRetry(func(client apiClient) error {
		return client.AddWorklog(ctx, jira.Worklog{
			IssueKey:               request.IssueKey,
			TimeSpentSeconds:       int(request.Duration.Seconds()),
			Comment:                request.Comment,
			RemainingEstimateHours: request.RemainingEstimateHours,
		})
	})
	if err != nil {
		result.ErrorMessage = err.Error()
		logrus.WithError(err).Warnf("failed to log %s against %s", request.Duration, request.IssueKey)
	} else {
		result.Success = true
		logrus.Infof("Logged %s against %s", request.Duration, request.IssueKey)
	}

	s.emitWorklogCompleted(result)
	return result
}
