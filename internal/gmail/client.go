package gmail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// ClientSecretFile is the OAuth client downloaded from the Google Cloud
// console, expected inside the config directory.
const ClientSecretFile = "client_secret.json"

// NewServiceInteractive returns an authenticated Gmail service. A cached
// token is validated with a profile call; otherwise the browser flow runs.
// With non-nil channels the auth URL is sent on uiEvents and a pasted code
// or redirect URL is read from userResponses; with nil channels the flow
// talks to the terminal.
func NewServiceInteractive(ctx context.Context, configDir string, tokens TokenStore, uiEvents chan<- interface{}, userResponses <-chan string) (*gmailv1.Service, error) {
	credPath := filepath.Join(configDir, ClientSecretFile)
	b, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials at %s: %w", credPath, err)
	}
	cfg, err := google.ConfigFromJSON(b, gmailv1.GmailModifyScope, gmailv1.GmailLabelsScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}

	if tok, err := tokens.Load(); err == nil {
		svc, err := newService(ctx, cfg, tok)
		if err == nil {
			_, err = svc.Users.GetProfile("me").Context(ctx).Do()
		}
		if err == nil {
			return svc, nil
		}
		// Expired or revoked: forget it and re-authenticate.
		_ = tokens.Delete()
	}

	tok, err := getTokenFromWeb(ctx, cfg, uiEvents, userResponses)
	if err != nil {
		return nil, err
	}
	if err := tokens.Save(tok); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	return newService(ctx, cfg, tok)
}

func newService(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (*gmailv1.Service, error) {
	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// loopback captures the OAuth redirect on a random localhost port.
type loopback struct {
	srv      *http.Server
	redirect string
	codes    chan string
}

func startLoopback(state string) (*loopback, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen on loopback: %w", err)
	}
	lb := &loopback{
		redirect: fmt.Sprintf("http://127.0.0.1:%d/", ln.Addr().(*net.TCPAddr).Port),
		codes:    make(chan string, 1),
	}
	mux := http.NewServeMux()
	lb.srv = &http.Server{ReadHeaderTimeout: 5 * time.Second, Handler: mux}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "Missing 'code' parameter", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authentication complete. You can close this window.")
		select {
		case lb.codes <- code:
		default:
		}
	})
	go func() { _ = lb.srv.Serve(ln) }()
	return lb, nil
}

func (lb *loopback) close() {
	_ = lb.srv.Shutdown(context.Background())
}

// parseAuthInput accepts either a bare authorization code or the full
// redirect URL the browser landed on.
func parseAuthInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", errors.New("no 'code' parameter found in pasted URL")
	}
	return code, nil
}

func exchange(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return tok, nil
}

func getTokenFromWeb(ctx context.Context, cfg *oauth2.Config, uiEvents chan<- interface{}, userResponses <-chan string) (*oauth2.Token, error) {
	state := uuid.NewString()
	var codes <-chan string
	lb, err := startLoopback(state)
	if err == nil {
		cfg.RedirectURL = lb.redirect
		codes = lb.codes
		defer lb.close()
	}
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	if uiEvents != nil && userResponses != nil {
		uiEvents <- authURL
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case code := <-codes:
			return exchange(ctx, cfg, code)
		case input := <-userResponses:
			code, err := parseAuthInput(input)
			if err != nil {
				return nil, err
			}
			return exchange(ctx, cfg, code)
		}
	}

	if lb != nil {
		fmt.Fprintln(os.Stderr, "A browser window will open. If it does not, copy this URL:")
		fmt.Fprintln(os.Stderr, authURL)
		_ = OpenBrowser(authURL)
		fmt.Fprintf(os.Stderr, "Waiting for redirect on %s …\n", lb.redirect)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case code := <-codes:
			return exchange(ctx, cfg, code)
		case <-time.After(120 * time.Second):
			fmt.Fprintln(os.Stderr, "Timeout waiting for redirect; falling back to manual paste.")
		}
	}

	fmt.Fprintln(os.Stderr, "Open this URL in your browser to authorize sortbox:")
	fmt.Fprintln(os.Stderr, authURL)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Paste the AUTH CODE itself or the FULL redirect URL here, then press Enter.")
	fmt.Fprint(os.Stderr, "> ")

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 1024), 1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read auth code: %w", err)
		}
		return nil, errors.New("empty authorization code")
	}
	code, err := parseAuthInput(sc.Text())
	if err != nil {
		return nil, err
	}
	return exchange(ctx, cfg, code)
}
