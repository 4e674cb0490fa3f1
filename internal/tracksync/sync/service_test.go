package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mhornik/tracklog/internal/settings"
	"github.com/mhornik/tracklog/internal/tracksync/cache"
	"github.com/mhornik/tracklog/internal/tracksync/jira"
)

type fakeSession struct {
	authenticated bool
	expired       bool
	token         string
	cloudID       string

	refreshes    int
	refreshError error

	// log records the order of refreshes and API calls, shared with fakeAPI.
	log *[]string
}

func (s *fakeSession) IsAuthenticated() bool { return s.authenticated }
func (s *fakeSession) IsExpired() bool       { return s.expired }
func (s *fakeSession) AccessToken() string   { return s.token }
func (s *fakeSession) CloudID() string       { return s.cloudID }

func (s *fakeSession) RefreshToken() error {
	return s.refresh()
}

func (s *fakeSession) RefreshIfCurrent(observed string) error {
	if observed != "" && observed != s.token {
		return nil
	}
	return s.refresh()
}

func (s *fakeSession) refresh() error {
	if s.log != nil {
		*s.log = append(*s.log, "refresh")
	}
	if s.refreshError != nil {
		return s.refreshError
	}
	s.refreshes++
	s.expired = false
	s.token = fmt.Sprintf("token-%d", s.refreshes)
	return nil
}

type searchCall struct {
	jql     string
	startAt int
}

type fakeAPI struct {
	// results maps a JQL query to the page returned for it.
	results map[string][]jira.Issue
	// unauthorizedCalls makes the first N calls fail with HTTP 401.
	unauthorizedCalls int
	searchError       error
	worklogError      error

	searches []searchCall
	worklogs []jira.Worklog

	log *[]string
}

func unauthorized() error {
	return fmt.Errorf("search failed: %w", &jira.StatusError{Code: http.StatusUnauthorized})
}

func (a *fakeAPI) SearchIssues(_ context.Context, jql string, startAt, _ int) ([]jira.Issue, error) {
	if a.log != nil {
		*a.log = append(*a.log, "search")
	}
	a.searches = append(a.searches, searchCall{jql: jql, startAt: startAt})
	if a.unauthorizedCalls > 0 {
		a.unauthorizedCalls--
		return nil, unauthorized()
	}
	if a.searchError != nil {
		return nil, a.searchError
	}
	return a.results[jql], nil
}

func (a *fakeAPI) AddWorklog(_ context.Context, worklog jira.Worklog) error {
	if a.log != nil {
		*a.log = append(*a.log, "worklog")
	}
	if a.unauthorizedCalls > 0 {
		a.unauthorizedCalls--
		return unauthorized()
	}
	if a.worklogError != nil {
		return a.worklogError
	}
	a.worklogs = append(a.worklogs, worklog)
	return nil
}

func newTestService(session *fakeSession, api *fakeAPI, store settings.Store) (*Service, *cache.Cache) {
	issueCache := cache.New(nil, sets.New[string]())
	service := NewService(session, issueCache, store)
	service.newClient = func(jira.TokenProvider, string) (apiClient, error) {
		return api, nil
	}
	return service, issueCache
}

func authenticatedSession() *fakeSession {
	return &fakeSession{authenticated: true, token: "token-0", cloudID: "cloud-123"}
}

func issue(key string) jira.Issue {
	return jira.Issue{Key: key, Summary: "summary for " + key}
}

func TestSearchIssuesRetriesOnceOn401(t *testing.T) {
	session := authenticatedSession()
	api := &fakeAPI{
		unauthorizedCalls: 1,
		results:           map[string][]jira.Issue{"q": {issue("PROJ-1")}},
	}
	service, _ := newTestService(session, api, settings.NewMemoryStore())

	results, err := service.SearchIssues(context.Background(), "q", 0, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 1 || results[0].Key != "PROJ-1" {
		t.Errorf("expected the retried call's data, got %+v", results)
	}
	if session.refreshes != 1 {
		t.Errorf("expected exactly one refresh, got %d", session.refreshes)
	}
	if len(api.searches) != 2 {
		t.Errorf("expected two attempts, got %d", len(api.searches))
	}
}

func TestSearchIssuesRefreshesBeforeTransportWhenExpired(t *testing.T) {
	var log []string
	session := authenticatedSession()
	session.expired = true
	session.log = &log

	api := &fakeAPI{results: map[string][]jira.Issue{"q": {issue("PROJ-1")}}, log: &log}
	service, _ := newTestService(session, api, settings.NewMemoryStore())

	if _, err := service.SearchIssues(context.Background(), "q", 0, 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"refresh", "search"}
	if !reflect.DeepEqual(log, expected) {
		t.Errorf("expected call order %v, got %v", expected, log)
	}
}

func TestSearchIssuesAbortsWhenRefreshFails(t *testing.T) {
	session := authenticatedSession()
	session.expired = true
	session.refreshError = errors.New("refresh rejected")

	api := &fakeAPI{}
	service, _ := newTestService(session, api, settings.NewMemoryStore())

	if _, err := service.SearchIssues(context.Background(), "q", 0, 20); err == nil {
		t.Fatal("expected an error")
	}
	if len(api.searches) != 0 {
		t.Error("expected the transport never to be reached")
	}
}

func TestSearchIssuesDoesNotRetryOtherErrors(t *testing.T) {
	session := authenticatedSession()
	api := &fakeAPI{searchError: fmt.Errorf("search failed: %w", &jira.StatusError{Code: http.StatusBadRequest})}
	service, _ := newTestService(session, api, settings.NewMemoryStore())

	if _, err := service.SearchIssues(context.Background(), "q", 0, 20); err == nil {
		t.Fatal("expected an error")
	}
	if len(api.searches) != 1 {
		t.Errorf("expected a single attempt for a non-401 error, got %d", len(api.searches))
	}
	if session.refreshes != 0 {
		t.Errorf("expected no refresh for a non-401 error, got %d", session.refreshes)
	}
}

func TestSearchIssuesGivesUpAfterRepeated401(t *testing.T) {
	session := authenticatedSession()
	api := &fakeAPI{unauthorizedCalls: 10}
	service, _ := newTestService(session, api, settings.NewMemoryStore())

	if _, err := service.SearchIssues(context.Background(), "q", 0, 20); err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if len(api.searches) != maxAttempts {
		t.Errorf("expected %d attempts, got %d", maxAttempts, len(api.searches))
	}
}

func TestDefaultSuggestionsUnauthenticated(t *testing.T) {
	service, _ := newTestService(&fakeSession{}, &fakeAPI{}, settings.NewMemoryStore())

	suggestions := service.DefaultSuggestions(context.Background())
	if suggestions.Placeholder != PlaceholderSignIn {
		t.Errorf("expected the sign-in placeholder, got %+v", suggestions)
	}
}

func TestDefaultSuggestionsAssemblesSections(t *testing.T) {
	session := authenticatedSession()
	api := &fakeAPI{
		results: map[string][]jira.Issue{
			jira.MyOpenSprintIssuesJQL():    {issue("PROJ-5"), issue("PROJ-4")},
			jira.MyReportedOrAssignedJQL(): {issue("PROJ-5"), issue("PROJ-9")},
			jira.KeysJQL([]string{"PROJ-7"}): {issue("PROJ-7")},
		},
	}

	store := settings.NewMemoryStore()
	store.Set(settings.KeyRecentIssueKeys, "PROJ-7")

	service, issueCache := newTestService(session, api, store)

	suggestions := service.DefaultSuggestions(context.Background())
	if suggestions.Placeholder != "" {
		t.Fatalf("expected real suggestions, got placeholder %q", suggestions.Placeholder)
	}

	labels := make([]string, 0, len(suggestions.Sections))
	for _, section := range suggestions.Sections {
		labels = append(labels, section.Label)
	}
	if !reflect.DeepEqual(labels, []string{SectionRecent, SectionMine, SectionNew}) {
		t.Errorf("expected the three sections in order, got %v", labels)
	}

	recent := suggestions.Sections[0]
	if len(recent.Issues) != 1 || recent.Issues[0].Key != "PROJ-7" {
		t.Errorf("expected the recent key resolved via API, got %+v", recent.Issues)
	}

	fresh := suggestions.Sections[2]
	if len(fresh.Issues) != 1 || fresh.Issues[0].Key != "PROJ-9" {
		t.Errorf("expected already-shown keys excluded from New, got %+v", fresh.Issues)
	}

	// API-sourced issues must land in the cache.
	for _, key := range []string{"PROJ-4", "PROJ-5", "PROJ-7", "PROJ-9"} {
		if _, ok := issueCache.Get(key); !ok {
			t.Errorf("expected %s to be cached", key)
		}
	}
}

func TestDefaultSuggestionsSprintFallback(t *testing.T) {
	session := authenticatedSession()
	api := &fakeAPI{
		results: map[string][]jira.Issue{
			jira.MyIssuesJQL(): {issue("PROJ-1")},
		},
	}
	service, _ := newTestService(session, api, settings.NewMemoryStore())

	suggestions := service.DefaultSuggestions(context.Background())
	if len(suggestions.Sections) == 0 || suggestions.Sections[0].Label != SectionMine {
		t.Fatalf("expected the sprint-less fallback to fill My Issues, got %+v", suggestions)
	}

	var queried []string
	for _, call := range api.searches {
		queried = append(queried, call.jql)
	}
	if !reflect.DeepEqual(queried[:2], []string{jira.MyOpenSprintIssuesJQL(), jira.MyIssuesJQL()}) {
		t.Errorf("expected the open-sprint query first, then the fallback, got %v", queried)
	}
}

func TestDefaultSuggestionsKeepsLastGoodSetOnError(t *testing.T) {
	session := authenticatedSession()
	api := &fakeAPI{
		results: map[string][]jira.Issue{
			jira.MyOpenSprintIssuesJQL(): {issue("PROJ-5")},
		},
	}
	service, _ := newTestService(session, api, settings.NewMemoryStore())

	first := service.DefaultSuggestions(context.Background())
	if first.Placeholder != "" {
		t.Fatalf("expected a real suggestion set first, got %+v", first)
	}

	api.searchError = errors.New("tracker down")
	second := service.DefaultSuggestions(context.Background())
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected the last good set to be preserved, got %+v", second)
	}
}

func TestDefaultSuggestionsPlaceholderWhenAllEmpty(t *testing.T) {
	service, _ := newTestService(authenticatedSession(), &fakeAPI{}, settings.NewMemoryStore())

	suggestions := service.DefaultSuggestions(context.Background())
	if suggestions.Placeholder != PlaceholderNotFound {
		t.Errorf("expected the nothing-found placeholder, got %+v", suggestions)
	}
}

func TestSearchFromCache(t *testing.T) {
	service, issueCache := newTestService(authenticatedSession(), &fakeAPI{}, settings.NewMemoryStore())
	issueCache.Add(jira.Issue{Key: "PROJ-1", Summary: "fix the login flow"})

	results, found := service.SearchFromCache("login")
	if !found || len(results) != 1 {
		t.Errorf("expected a cache hit, got %v found=%v", results, found)
	}

	if _, found := service.SearchFromCache("nonexistent"); found {
		t.Error("expected a cache miss to report found=false")
	}
}

func TestSearchFromAPICachesResults(t *testing.T) {
	api := &fakeAPI{
		results: map[string][]jira.Issue{
			jira.SearchJQL("login"): {issue("PROJ-1")},
		},
	}
	service, issueCache := newTestService(authenticatedSession(), api, settings.NewMemoryStore())

	results, err := service.SearchFromAPI(context.Background(), "login")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if _, ok := issueCache.Get("PROJ-1"); !ok {
		t.Error("expected the API result to be cached")
	}
}

func TestLogTimeUnauthenticated(t *testing.T) {
	tests := []struct {
		name    string
		session *fakeSession
	}{
		{name: "no token", session: &fakeSession{}},
		{name: "no workspace id", session: &fakeSession{authenticated: true, token: "token"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{}
			service, _ := newTestService(tt.session, api, settings.NewMemoryStore())

			var events []WorklogResult
			service.OnWorklogCompleted(func(result WorklogResult) {
				events = append(events, result)
			})

			result := service.LogTime(context.Background(), LogRequest{IssueKey: "PROJ-1", Duration: time.Hour})
			if result.Success {
				t.Error("expected a failure result")
			}
			if len(api.worklogs) != 0 {
				t.Error("expected no worklog submission")
			}
			if len(events) != 1 {
				t.Errorf("expected exactly one completion event, got %d", len(events))
			}
		})
	}
}

func TestLogTimeSubmitsAndEmits(t *testing.T) {
	api := &fakeAPI{}
	service, _ := newTestService(authenticatedSession(), api, settings.NewMemoryStore())

	var events []WorklogResult
	service.OnWorklogCompleted(func(result WorklogResult) {
		events = append(events, result)
	})

	result := service.LogTime(context.Background(), LogRequest{
		IssueKey:               "PROJ-1",
		Duration:               15 * time.Minute,
		Comment:                "standup follow-up",
		RemainingEstimateHours: 2,
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(api.worklogs) != 1 {
		t.Fatalf("expected one submission, got %d", len(api.worklogs))
	}

	submitted := api.worklogs[0]
	if submitted.TimeSpentSeconds != 900 {
		t.Errorf("expected 900 seconds, got %d", submitted.TimeSpentSeconds)
	}
	if submitted.Comment != "standup follow-up" {
		t.Errorf("unexpected comment %q", submitted.Comment)
	}
	if submitted.RemainingEstimateHours != 2 {
		t.Errorf("unexpected estimate %v", submitted.RemainingEstimateHours)
	}

	if len(events) != 1 || !events[0].Success || events[0].TimeLogged != 15*time.Minute {
		t.Errorf("expected one successful completion event, got %+v", events)
	}
}

func TestLogTimeRetriesOn401(t *testing.T) {
	session := authenticatedSession()
	api := &fakeAPI{unauthorizedCalls: 1}
	service, _ := newTestService(session, api, settings.NewMemoryStore())

	result := service.LogTime(context.Background(), LogRequest{IssueKey: "PROJ-1", Duration: time.Minute, RemainingEstimateHours: -1})
	if !result.Success {
		t.Fatalf("expected the retried submission to succeed, got %+v", result)
	}
	if session.refreshes != 1 {
		t.Errorf("expected exactly one refresh, got %d", session.refreshes)
	}
	if len(api.worklogs) != 1 {
		t.Errorf("expected one recorded worklog, got %d", len(api.worklogs))
	}
}

func TestMarkIssueUsed(t *testing.T) {
	store := settings.NewMemoryStore()
	service, _ := newTestService(authenticatedSession(), &fakeAPI{}, store)

	for _, key := range []string{"PROJ-1", "PROJ-2", "PROJ-3", "PROJ-2"} {
		service.MarkIssueUsed(key)
	}

	expected := []string{"PROJ-2", "PROJ-3", "PROJ-1"}
	if got := settings.RecentIssueKeys(store); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
	if store.Saves == 0 {
		t.Error("expected the recent keys to be persisted")
	}
}
