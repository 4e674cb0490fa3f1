// Package jira talks to the issue tracker's cloud REST API on behalf of the
// engine: JQL searches for the cache and suggestion assembly, and worklog
// submissions.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gojira "github.com/andygrunwald/go-jira"
	"github.com/sirupsen/logrus"
)

const (
	cloudAPIBase = "https://api.atlassian.com"

	// SearchPageSize is the fixed page size for paginated searches.
	SearchPageSize = 50
)

// searchFields is the field selection requested on every search.
var searchFields = []string{"summary", "status", "assignee", "reporter"}

// TokenProvider supplies the current bearer token for API calls. The token is
// read per request, so a refresh never invalidates an existing client.
type TokenProvider interface {
	AccessToken() string
}

// Client wraps the go-jira client with the engine's error taxonomy and the
// worklog call the library cannot express.
type Client struct {
	baseURL    string
	httpClient *http.Client
	jiraClient *gojira.Client
}

// NewClient creates a client addressing the cloud workspace identified by
// cloudID.
func NewClient(tokens TokenProvider, cloudID string) (*Client, error) {
	return NewClientWithBaseURL(tokens, fmt.Sprintf("%s/ex/jira/%s", cloudAPIBase, cloudID))
}

// NewClientWithBaseURL creates a client against a custom base URL (for testing).
func NewClientWithBaseURL(tokens TokenProvider, baseURL string) (*Client, error) {
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &bearerTransport{tokens: tokens, base: http.DefaultTransport},
	}

	jiraClient, err := gojira.NewClient(httpClient, baseURL+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker client: %w", err)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		jiraClient: jiraClient,
	}, nil
}

// bearerTransport injects the current access token into every request.
type bearerTransport struct {
	tokens TokenProvider
	base   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	authenticated := req.Clone(req.Context())
	authenticated.Header.Set("Authorization", "Bearer "+t.tokens.AccessToken())
	return t.base.RoundTrip(authenticated)
}

// SearchIssues executes a JQL query and returns one page of matching issues.
func (c *Client) SearchIssues(ctx context.Context, jql string, startAt, maxResults int) ([]Issue, error) {
	options := &gojira.SearchOptions{
		StartAt:    startAt,
		MaxResults: maxResults,
		Fields:     searchFields,
	}

	found, resp, err := c.jiraClient.Issue.SearchWithContext(ctx, jql, options)
	if err != nil {
		if resp != nil {
			logrus.WithError(err).Debugf("search returned HTTP %d", resp.StatusCode)
			return nil, fmt.Errorf("search failed: %w", &StatusError{Code: resp.StatusCode})
		}
		return nil, fmt.Errorf("search request failed: %w", err)
	}

	issues := make([]Issue, 0, len(found))
	for _, issue := range found {
		issues = append(issues, convertIssue(issue))
	}

	return issues, nil
}

// convertIssue converts a go-jira Issue to the engine's snapshot. Assignee and
// reporter may be null on the wire.
func convertIssue(issue gojira.Issue) Issue {
	converted := Issue{Key: issue.Key}
	if issue.Fields == nil {
		return converted
	}

	converted.Summary = issue.Fields.Summary
	if issue.Fields.Status != nil {
		converted.Status = issue.Fields.Status.Name
	}
	if issue.Fields.Assignee != nil {
		converted.Assignee = issue.Fields.Assignee.DisplayName
	}
	if issue.Fields.Reporter != nil {
		converted.Reporter = issue.Fields.Reporter.DisplayName
	}

	return converted
}

type worklogPayload struct {
	TimeSpentSeconds int          `json:"timeSpentSeconds"`
	Comment          *adfDocument `json:"comment,omitempty"`
}

// adfDocument is the rich-text document wrapper the cloud worklog endpoint
// expects for comments.
type adfDocument struct {
	Type    string    `json:"type"`
	Version int       `json:"version"`
	Content []adfNode `json:"content"`
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

func commentDocument(text string) *adfDocument {
	return &adfDocument{
		Type:    "doc",
		Version: 1,
		Content: []adfNode{{
			Type:    "paragraph",
			Content: []adfNode{{Type: "text", Text: text}},
		}},
	}
}

// AddWorklog submits a worklog record. The library's worklog type predates the
// cloud comment format, so the request is built by hand on the same
// authenticated HTTP client.
func (c *Client) AddWorklog(ctx context.Context, worklog Worklog) error {
	payload := worklogPayload{TimeSpentSeconds: worklog.TimeSpentSeconds}
	if worklog.Comment != "" {
		payload.Comment = commentDocument(worklog.Comment)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal worklog: %w", err)
	}

	endpoint := fmt.Sprintf("%s/rest/api/3/issue/%s/worklog", c.baseURL, url.PathEscape(worklog.IssueKey))
	if worklog.RemainingEstimateHours >= 0 {
		estimate := time.Duration(worklog.RemainingEstimateHours * float64(time.Hour))
		query := url.Values{}
		query.Set("adjustEstimate", "new")
		query.Set("newEstimate", FormatCompact(estimate))
		endpoint = endpoint + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build worklog request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worklog request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worklog submission failed: %w", &StatusError{Code: resp.StatusCode})
	}

	return nil
}
