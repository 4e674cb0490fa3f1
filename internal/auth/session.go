// Package auth owns the OAuth2 token lifecycle for the issue tracker: the
// authorization-code flow over a local loopback callback, transparent refresh,
// and workspace id resolution. Nothing above this package may call the tracker
// API without going through it.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mhornik/tracklog/internal/settings"
)

const (
	// CallbackPort is the fixed loopback port the authorization flow listens on.
	CallbackPort = 43815
	// CallbackPath is the path the authorization server redirects back to.
	CallbackPath = "/callback"

	// expiryMargin is subtracted from the provider's expires_in so a token is
	// treated as expired slightly before it actually is.
	expiryMargin = 60 * time.Second
)

var (
	// ErrNotAuthenticated is returned when an operation requires a token and
	// none is present.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNoRefreshToken is returned when a refresh is requested but no refresh
	// token or client credentials are available.
	ErrNoRefreshToken = errors.New("no refresh token or client credentials available")
)

// AuthError reports a failed authorization flow.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization failed: %s", e.Reason)
}

// Endpoints describes the OAuth provider surface. Zero values fall back to the
// Atlassian cloud defaults.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	RevokeURL    string
	ResourcesURL string
	Scopes       []string
}

func (e Endpoints) withDefaults() Endpoints {
	if e.AuthorizeURL == "" {
		e.AuthorizeURL = "https://auth.atlassian.com/authorize"
	}
	if e.TokenURL == "" {
		e.TokenURL = "https://auth.atlassian.com/oauth/token"
	}
	if e.RevokeURL == "" {
		e.RevokeURL = "https://auth.atlassian.com/oauth/revoke"
	}
	if e.ResourcesURL == "" {
		e.ResourcesURL = "https://api.atlassian.com/oauth/token/accessible-resources"
	}
	if len(e.Scopes) == 0 {
		e.Scopes = []string{"read:jira-work", "write:jira-work", "read:jira-user", "offline_access"}
	}
	return e
}

// Session holds the access/refresh token pair and its expiry, persisted
// through the injected settings store.
type Session struct {
	store     settings.Store
	endpoints Endpoints

	httpClient  *http.Client
	now         func() time.Time
	openBrowser func(url string) error

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	cloudID      string
	expiresAt    time.Time

	// refreshMu serializes refresh exchanges so concurrent 401 handlers do not
	// each rotate the refresh token.
	refreshMu sync.Mutex

	callbackMu     sync.Mutex
	onDisconnected []func()
}

// NewSession creates a session backed by the given store, loading any
// previously persisted token state.
func NewSession(store settings.Store, endpoints Endpoints) *Session {
	s := &Session{
		store:      store,
		endpoints:  endpoints.withDefaults(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		openBrowser: func(target string) error {
			return exec.Command("xdg-open", target).Start()
		},
	}

	s.accessToken = store.Get(settings.KeyAccessToken)
	s.refreshToken = store.Get(settings.KeyRefreshToken)
	s.cloudID = store.Get(settings.KeyCloudID)
	if raw := store.Get(settings.KeyTokenExpiry); raw != "" {
		if expiry, err := time.Parse(time.RFC3339, raw); err == nil {
			s.expiresAt = expiry
		} else {
			logrus.WithError(err).Warn("ignoring unparseable stored token expiry")
		}
	}

	return s
}

// OnDisconnected registers a callback invoked after Disconnect clears the
// token state.
func (s *Session) OnDisconnected(callback func()) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onDisconnected = append(s.onDisconnected, callback)
}

// AccessToken returns the current access token, empty when unauthenticated.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// CloudID returns the workspace id resolved during authentication.
func (s *Session) CloudID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloudID
}

// IsAuthenticated reports whether an access token is present.
func (s *Session) IsAuthenticated() bool {
	return s.AccessToken() != ""
}

// IsExpired reports whether the current token has passed its expiry.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.now().Before(s.expiresAt)
}

// EnsureValid makes sure an API call can be attempted: false when
// unauthenticated, a refresh when expired, true otherwise.
func (s *Session) EnsureValid() bool {
	if !s.IsAuthenticated() {
		return false
	}
	if s.IsExpired() {
		return s.RefreshToken() == nil
	}
	return true
}

// RefreshToken exchanges the refresh token for a new pair, replacing the
// in-memory state and persisting it. Refreshes are serialized.
func (s *Session) RefreshToken() error {
	return s.refresh("")
}

// RefreshIfCurrent refreshes only if observed is still the active access
// token. A concurrent refresh that already replaced it counts as success, so
// two callers hitting 401 simultaneously burn a single rotation.
func (s *Session) RefreshIfCurrent(observed string) error {
	return s.refresh(observed)
}

func (s *Session) refresh(observed string) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if observed != "" && s.AccessToken() != observed {
		logrus.Debug("token already refreshed by a concurrent caller")
		return nil
	}

	clientID := s.store.Get(settings.KeyClientID)
	clientSecret := s.store.Get(settings.KeyClientSecret)

	s.mu.Lock()
	refreshToken := s.refreshToken
	s.mu.Unlock()

	if refreshToken == "" || clientID == "" || clientSecret == "" {
		return ErrNoRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("refresh_token", refreshToken)

	pair, err := s.exchange(context.Background(), form)
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}

	s.storeTokenPair(pair)
	logrus.Debug("access token refreshed")
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (s *Session) exchange(ctx context.Context, form url.Values) (tokenResponse, error) {
	var pair tokenResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return pair, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return pair, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return pair, fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return pair, fmt.Errorf("failed to decode token response: %w", err)
	}
	if pair.AccessToken == "" {
		return pair, errors.New("token response carried no access token")
	}

	return pair, nil
}

// storeTokenPair atomically replaces the in-memory token state and persists it.
func (s *Session) storeTokenPair(pair tokenResponse) {
	expiresAt := s.now().Add(time.Duration(pair.ExpiresIn)*time.Second - expiryMargin)

	s.mu.Lock()
	s.accessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		s.refreshToken = pair.RefreshToken
	}
	s.expiresAt = expiresAt
	refreshToken := s.refreshToken
	s.mu.Unlock()

	s.store.Set(settings.KeyAccessToken, pair.AccessToken)
	s.store.Set(settings.KeyRefreshToken, refreshToken)
	s.store.Set(settings.KeyTokenExpiry, expiresAt.Format(time.RFC3339))
	if err := s.store.Save(); err != nil {
		logrus.WithError(err).Warn("failed to persist token state")
	}
}

// Disconnect revokes the refresh token (best effort), clears all token state,
// persists the cleared state and notifies registered callbacks.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	refreshToken := s.refreshToken
	s.mu.Unlock()

	if refreshToken != "" {
		form := url.Values{}
		form.Set("client_id", s.store.Get(settings.KeyClientID))
		form.Set("client_secret", s.store.Get(settings.KeyClientSecret))
		form.Set("token", refreshToken)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoints.RevokeURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if resp, err := s.httpClient.Do(req); err != nil {
				logrus.WithError(err).Debug("token revoke failed")
			} else {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}
	}

	s.mu.Lock()
	s.accessToken = ""
	s.refreshToken = ""
	s.cloudID = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	s.store.Set(settings.KeyAccessToken, "")
	s.store.Set(settings.KeyRefreshToken, "")
	s.store.Set(settings.KeyCloudID, "")
	s.store.Set(settings.KeyTokenExpiry, "")
	if err := s.store.Save(); err != nil {
		logrus.WithError(err).Warn("failed to persist cleared token state")
	}

	s.callbackMu.Lock()
	callbacks := append([]func(){}, s.onDisconnected...)
	s.callbackMu.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}

type callbackRequest struct {
	code  string
	state string
	err   string
}

// Authenticate runs the authorization-code flow: starts the loopback
// listener, opens the system browser, waits for exactly one inbound request,
// exchanges the code for a token pair and resolves the workspace id. The
// caller bounds the wait through ctx.
func (s *Session) Authenticate(ctx context.Context) error {
	clientID := s.store.Get(settings.KeyClientID)
	clientSecret := s.store.Get(settings.KeyClientSecret)
	if clientID == "" || clientSecret == "" {
		return &AuthError{Reason: "client credentials are not configured"}
	}

	state := uuid.NewString()
	redirectURI := fmt.Sprintf("http://localhost:%d%s", CallbackPort, CallbackPath)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", CallbackPort))
	if err != nil {
		return &AuthError{Reason: fmt.Sprintf("cannot start callback listener: %v", err)}
	}

	received := make(chan callbackRequest, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(callbackPage))

		select {
		case received <- callbackRequest{
			code:  r.URL.Query().Get("code"),
			state: r.URL.Query().Get("state"),
			err:   r.URL.Query().Get("error"),
		}:
		default:
			// Only the first request counts.
		}
	})

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Debug("callback listener stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authorizeURL, err := s.authorizeURL(clientID, redirectURI, state)
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}

	logrus.Info("Opening browser for authorization")
	if err := s.openBrowser(authorizeURL); err != nil {
		return &AuthError{Reason: fmt.Sprintf("cannot open browser: %v", err)}
	}

	var callback callbackRequest
	select {
	case callback = <-received:
	case <-ctx.Done():
		return &AuthError{Reason: "authorization was not completed in time"}
	}

	if callback.err != "" {
		return &AuthError{Reason: fmt.Sprintf("authorization server returned %q", callback.err)}
	}
	if callback.state != state {
		return &AuthError{Reason: "state mismatch in authorization callback"}
	}
	if callback.code == "" {
		return &AuthError{Reason: "authorization callback carried no code"}
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", callback.code)
	form.Set("redirect_uri", redirectURI)

	pair, err := s.exchange(ctx, form)
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}

	s.storeTokenPair(pair)

	cloudID, err := s.resolveCloudID(ctx, pair.AccessToken)
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}

	s.mu.Lock()
	s.cloudID = cloudID
	s.mu.Unlock()
	s.store.Set(settings.KeyCloudID, cloudID)
	if err := s.store.Save(); err != nil {
		logrus.WithError(err).Warn("failed to persist workspace id")
	}

	logrus.Infof("Authenticated against workspace %s", cloudID)
	return nil
}

func (s *Session) authorizeURL(clientID, redirectURI, state string) (string, error) {
	parsed, err := url.Parse(s.endpoints.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorize endpoint: %w", err)
	}

	query := parsed.Query()
	query.Set("audience", "api.atlassian.com")
	query.Set("client_id", clientID)
	query.Set("scope", strings.Join(s.endpoints.Scopes, " "))
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)
	query.Set("response_type", "code")
	query.Set("prompt", "consent")
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

type accessibleResource struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// resolveCloudID matches the configured instance URL against the account's
// accessible resources.
func (s *Session) resolveCloudID(ctx context.Context, accessToken string) (string, error) {
	instanceURL := strings.TrimSuffix(s.store.Get(settings.KeyJiraURL), "/")
	if instanceURL == "" {
		return "", errors.New("no instance URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoints.ResourcesURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build resources request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resources request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("resources endpoint returned HTTP %d", resp.StatusCode)
	}

	var resources []accessibleResource
	if err := json.NewDecoder(resp.Body).Decode(&resources); err != nil {
		return "", fmt.Errorf("failed to decode resources response: %w", err)
	}

	for _, resource := range resources {
		if strings.TrimSuffix(resource.URL, "/") == instanceURL {
			return resource.ID, nil
		}
	}

	return "", fmt.Errorf("no accessible resource matches %s", instanceURL)
}

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>tracklog</title></head>
<body>
<p>Authorization received. You can close this tab and return to tracklog.</p>
</body>
</html>`
