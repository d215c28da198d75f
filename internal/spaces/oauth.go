// Package spaces holds the Google OAuth plumbing shared by the calendar and
// gmail connectors.
package spaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultCallbackPort is where the local OAuth callback listens
const DefaultCallbackPort = 8765

// OAuthConfig holds Google OAuth client settings
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OAuth wraps a Google OAuth2 client configuration
type OAuth struct {
	config *oauth2.Config
}

// NewOAuth creates an OAuth client for the given scopes
func NewOAuth(cfg OAuthConfig) *OAuth {
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = fmt.Sprintf("http://localhost:%d/callback", DefaultCallbackPort)
	}
	return &OAuth{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     google.Endpoint,
		},
	}
}

// IsConfigured reports whether client credentials are present
func (o *OAuth) IsConfigured() bool {
	return o.config.ClientID != "" && o.config.ClientSecret != ""
}

// AuthURL returns the consent URL. Offline access is requested so the
// token can be refreshed without the user.
func (o *OAuth) AuthURL(state string) string {
	return o.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return o.config.Exchange(ctx, code)
}

// HTTPClient returns a client that refreshes the token as needed
func (o *OAuth) HTTPClient(ctx context.Context, token *oauth2.Token) *http.Client {
	return o.config.Client(ctx, token)
}

// Authorize runs the consent flow with a local callback server and returns
// the resulting token. The consent URL is written to out.
func (o *OAuth) Authorize(ctx context.Context, out io.Writer, timeout time.Duration) (*oauth2.Token, error) {
	state := fmt.Sprintf("mindflora-%d", time.Now().UnixNano())

	srv := newCallbackServer(state)
	if err := srv.start(DefaultCallbackPort); err != nil {
		return nil, fmt.Errorf("start callback server: %w", err)
	}
	defer srv.stop(context.WithoutCancel(ctx))

	fmt.Fprintf(out, "\nOpen this URL in your browser to authorize MindFlora:\n\n%s\n\n", o.AuthURL(state))
	fmt.Fprintln(out, "Waiting for authorization...")

	code, err := srv.wait(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("authorization failed: %w", err)
	}

	token, err := o.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return token, nil
}

type callbackServer struct {
	state  string
	server *http.Server
	codes  chan string
	errs   chan error
}

func newCallbackServer(state string) *callbackServer {
	return &callbackServer{
		state: state,
		codes: make(chan string, 1),
		errs:  make(chan error, 1),
	}
}

func (s *callbackServer) start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handle)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.report(err)
		}
	}()
	return nil
}

func (s *callbackServer) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *callbackServer) wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case code := <-s.codes:
		return code, nil
	case err := <-s.errs:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("no callback received within %v", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *callbackServer) stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") != s.state {
		s.report(errors.New("state mismatch"))
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		msg := q.Get("error")
		if msg == "" {
			msg = "unknown error"
		}
		s.report(fmt.Errorf("oauth error: %s", msg))
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	select {
	case s.codes <- code:
	default:
	}

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>MindFlora connected</title></head>
<body style="font-family: system-ui; text-align: center; margin-top: 20vh;">
	<h1>Connected!</h1>
	<p>You can close this window and return to the terminal.</p>
</body>
</html>`)
}

// SaveToken writes a token to path, readable only by the owner
func SaveToken(path string, token *oauth2.Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken reads a token written by SaveToken
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	return &token, nil
}
