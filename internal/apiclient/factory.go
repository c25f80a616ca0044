package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adamscao/trustgate/internal/transport"
)

// ErrInvalidBaseURL is returned for base URLs that are not absolute http(s) URLs
var ErrInvalidBaseURL = errors.New("invalid base URL")

// DefaultStatusPath is the status document of a server
const DefaultStatusPath = "status.php"

// Credentials are an account's login together with the server root they
// were issued for. An empty Username means anonymous requests.
type Credentials struct {
	Username string
	Password string
	BaseURL  string
}

// CredentialSource looks up the credentials of an account
type CredentialSource interface {
	Credentials(ctx context.Context, accountID int64) (Credentials, error)
}

// Factory builds clients. Each client gets its own transport so replacing a
// client never disturbs connections held by another account.
type Factory struct {
	Decider        transport.Decider
	Transport      transport.Config
	Credentials    CredentialSource
	RequestTimeout time.Duration
	UserAgent      string
	StatusPath     string
}

// Build creates a client for accountID talking to baseURL
func (f *Factory) Build(ctx context.Context, accountID int64, baseURL string) (*Client, error) {
	base, err := ParseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if f.Credentials != nil {
		creds, err = f.Credentials.Credentials(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load credentials for account %d: %w", accountID, err)
		}
	}
	if creds.Username != "" && !credentialsAllowed(creds.BaseURL, base) {
		if f.Transport.Logger != nil {
			f.Transport.Logger.Warnw("Withholding account credentials",
				"account_id", accountID,
				"base_url", base.String(),
				"reason", "not the account's https origin")
		}
		creds = Credentials{}
	}

	statusPath := f.StatusPath
	if statusPath == "" {
		statusPath = DefaultStatusPath
	}

	tr := transport.NewTransport(f.Decider, f.Transport)

	return &Client{
		baseURL:    base,
		username:   creds.Username,
		password:   creds.Password,
		userAgent:  f.UserAgent,
		statusPath: statusPath,
		transport:  tr,
		http: &http.Client{
			Transport: tr,
			Timeout:   f.RequestTimeout,
		},
	}, nil
}

// credentialsAllowed reports whether credentials issued for home may be sent
// to target: only over https and only to the same scheme and host.
func credentialsAllowed(home string, target *url.URL) bool {
	if target.Scheme != "https" {
		return false
	}
	h, err := ParseBaseURL(home)
	if err != nil {
		return false
	}
	return sameOrigin(h, target)
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// ParseBaseURL validates a server root URL. The returned URL has no query or
// fragment and its path ends with a slash.
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidBaseURL, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidBaseURL, raw)
	}

	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawPath = ""

	return u, nil
}

// NormalizeBaseURL returns the canonical string form of a base URL, so that
// "https://Example.com" and "https://example.com/" compare equal.
func NormalizeBaseURL(raw string) (string, error) {
	u, err := ParseBaseURL(raw)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
