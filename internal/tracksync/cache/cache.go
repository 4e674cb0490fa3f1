// Package cache keeps a local, eventually-consistent copy of tracker issues
// so searches feel instant while typing. It is refreshed on a timer and
// populated opportunistically by foreground search results.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mhornik/tracklog/internal/tracksync/jira"
)

const (
	// SearchLimit caps the number of entries a search returns.
	SearchLimit = 20
	// maxFetched is the safety cap on a single refresh; pagination stops once
	// this many records were fetched.
	maxFetched = 1000
)

// Fetcher retrieves one page of issues for a JQL query.
type Fetcher interface {
	SearchIssues(ctx context.Context, jql string, startAt, maxResults int) ([]jira.Issue, error)
}

// Cache is a thread-safe issue-key to snapshot mapping.
type Cache struct {
	fetcher          Fetcher
	excludedStatuses sets.Set[string]

	refreshing atomic.Bool

	mu     sync.RWMutex
	issues map[string]jira.Issue
}

// New creates an empty cache. excludedStatuses narrows the bulk refresh query;
// issues in those statuses are only fetched when reported by or assigned to
// the current user.
func New(fetcher Fetcher, excludedStatuses sets.Set[string]) *Cache {
	return &Cache{
		fetcher:          fetcher,
		excludedStatuses: excludedStatuses,
		issues:           map[string]jira.Issue{},
	}
}

// SetFetcher injects the fetcher after construction. The cache and the sync
// service reference each other, so one side has to be wired late.
func (c *Cache) SetFetcher(fetcher Fetcher) {
	c.fetcher = fetcher
}

// Refresh fetches all matching issues and atomically replaces the cache
// contents. A refresh already in flight makes the call a silent no-op. A fetch
// that yields zero issues is treated as transient and leaves the existing
// cache unchanged; fetch errors are swallowed the same way.
func (c *Cache) Refresh(ctx context.Context) {
	if c.fetcher == nil {
		return
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		logrus.Debug("cache refresh already in flight, skipping")
		return
	}
	defer c.refreshing.Store(false)

	jql := jira.RefreshJQL(c.excludedStatuses)

	var fetched []jira.Issue
	for startAt := 0; ; startAt += jira.SearchPageSize {
		page, err := c.fetcher.SearchIssues(ctx, jql, startAt, jira.SearchPageSize)
		if err != nil {
			logrus.WithError(err).Warn("cache refresh failed, keeping existing cache")
			return
		}

		fetched = append(fetched, page...)
		if len(page) < jira.SearchPageSize || len(fetched) >= maxFetched {
			break
		}
	}

	if len(fetched) == 0 {
		logrus.Debug("cache refresh returned no issues, keeping existing cache")
		return
	}

	replacement := make(map[string]jira.Issue, len(fetched))
	for _, issue := range fetched {
		replacement[issue.Key] = issue
	}

	c.mu.Lock()
	c.issues = replacement
	c.mu.Unlock()

	logrus.Debugf("cache refreshed with %d issues", len(replacement))
}

// Run refreshes the cache immediately and then on every tick of interval
// until ctx is cancelled. In-flight fetches are allowed to complete naturally.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	c.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Search returns cached issues matching text. Blank input returns the first
// SearchLimit entries. Otherwise the input is lowercased and split on
// whitespace; an entry matches iff every word is a substring of its lowercased
// "key summary assignee reporter" concatenation. Matches are ordered by key
// descending as a recency heuristic.
func (c *Cache) Search(text string) []jira.Issue {
	words := strings.Fields(strings.ToLower(text))

	c.mu.RLock()
	var matches []jira.Issue
	for _, issue := range c.issues {
		if matchesWords(issue, words) {
			matches = append(matches, issue)
		}
	}
	c.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Key > matches[j].Key
	})
	if len(matches) > SearchLimit {
		matches = matches[:SearchLimit]
	}

	return matches
}

func matchesWords(issue jira.Issue, words []string) bool {
	if len(words) == 0 {
		return true
	}

	haystack := strings.ToLower(strings.Join([]string{issue.Key, issue.Summary, issue.Assignee, issue.Reporter}, " "))
	for _, word := range words {
		if !strings.Contains(haystack, word) {
			return false
		}
	}
	return true
}

// Add upserts the given issues into the cache.
func (c *Cache) Add(issues ...jira.Issue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, issue := range issues {
		if issue.Key == "" {
			continue
		}
		c.issues[issue.Key] = issue
	}
}

// Get looks up a single issue by key.
func (c *Cache) Get(key string) (jira.Issue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	issue, ok := c.issues[key]
	return issue, ok
}

// Clear drops all cached issues.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issues = map[string]jira.Issue{}
}

// HasIssues reports whether anything is cached; callers use it to decide
// between a synchronous cache search and a debounced API search.
func (c *Cache) HasIssues() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.issues) > 0
}

// Len returns the number of cached issues.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.issues)
}
