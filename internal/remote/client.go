// Package remote talks to the hosted backend: GoTrue auth under /auth/v1
// and PostgREST tables under /rest/v1.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hkdinner/dinner/internal/invite"
)

const defaultTimeout = 15 * time.Second

var (
	ErrUnavailable        = errors.New("remote unavailable")
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrInviteInvalid      = errors.New("邀請碼無效")
	ErrAlreadyMember      = errors.New("你已經是這個家庭的成員")
	ErrNotFound           = errors.New("not found")
	ErrNoSession          = errors.New("not signed in")
)

// Error is a non-2xx answer from the backend.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote: HTTP %d: %s", e.Status, e.Message)
}

// IsUnavailable reports whether err means the backend could not be reached
// or failed on its side, as opposed to rejecting the request.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	return false
}

// Client calls the backend with the project's anon key, upgrading to the
// signed-in user's access token when a session exists.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	sessions   *SessionStore
	logger     *slog.Logger

	inviteRetries int
	now           func() time.Time
}

// NewClient creates a client for the backend at baseURL. A non-positive
// timeout selects the default.
func NewClient(baseURL, anonKey string, timeout time.Duration, sessions *SessionStore) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		anonKey:       anonKey,
		httpClient:    &http.Client{Timeout: timeout},
		sessions:      sessions,
		logger:        slog.Default(),
		inviteRetries: invite.DefaultMaxRetries,
		now:           time.Now,
	}
}

// SetInviteRetries bounds invite code collision retries during CreateFamily.
func (c *Client) SetInviteRetries(n int) {
	if n > 0 {
		c.inviteRetries = n
	}
}

// request describes one backend call.
type request struct {
	method string
	path   string
	query  url.Values
	body   any
	prefer string
	// authed sends the session's access token instead of the anon key.
	authed bool
	// token overrides the bearer token.
	token string
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	bearer := c.anonKey
	switch {
	case r.token != "":
		bearer = r.token
	case r.authed:
		tok, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		bearer = tok
	}
	c.setHeaders(req, bearer, r.prefer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &Error{Status: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, bearer, prefer string) {
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
}

// errorMessage pulls a human message out of a GoTrue or PostgREST error body.
func errorMessage(body []byte) string {
	var e struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		for _, s := range []string{e.Message, e.Msg, e.ErrorDescription, e.Error} {
			if s != "" {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response"
	}
	return s
}

func eq(v string) string { return "eq." + v }
