package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// refreshSkew refreshes tokens slightly before they expire.
const refreshSkew = 30 * time.Second

// User is the signed-in account joined with its users profile row.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// NoSession is set when the account exists but no session was issued,
	// as with a sign-up awaiting email confirmation.
	NoSession bool `json:"-"`
}

type authUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// tokenResponse is the GoTrue session payload. Sign-up without a session
// (email confirmation pending) returns the user object at top level.
type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	User         *authUser `json:"user"`
	ID           string    `json:"id"`
	Email        string    `json:"email"`
}

type profileRow struct {
	ID          string  `json:"id"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
	DisplayName string  `json:"display_name"`
}

// SignIn authenticates with email and password and stores the session.
func (c *Client) SignIn(ctx context.Context, email, password string) (User, error) {
	var tr tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   map[string]string{"email": email, "password": password},
	}, &tr)
	if err != nil {
		return User{}, credentialsError(err)
	}
	au, err := c.storeSession(tr)
	if err != nil {
		return User{}, err
	}
	return c.profile(ctx, au), nil
}

// SignUp registers an account and creates its users profile row. A profile
// insert failure is logged and does not fail the sign-up.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (User, error) {
	if displayName == "" {
		displayName, _, _ = strings.Cut(email, "@")
	}
	var tr tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body: map[string]any{
			"email":    email,
			"password": password,
			"data":     map[string]string{"display_name": displayName},
		},
	}, &tr)
	if err != nil {
		return User{}, err
	}

	var au authUser
	if tr.AccessToken != "" {
		if au, err = c.storeSession(tr); err != nil {
			return User{}, err
		}
	} else {
		au = authUser{ID: tr.ID, Email: tr.Email}
		if tr.User != nil {
			au = *tr.User
		}
	}
	if au.ID == "" {
		return User{}, errors.New("sign-up returned no user")
	}

	row := map[string]any{"id": au.ID, "email": email, "phone": nil, "display_name": displayName}
	if err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/users",
		body:   row,
		authed: tr.AccessToken != "",
		prefer: "return=minimal",
	}, nil); err != nil {
		c.logger.Warn("user created but profile creation failed", "user_id", au.ID, "error", err)
	}

	return User{ID: au.ID, Email: email, DisplayName: displayName, NoSession: tr.AccessToken == ""}, nil
}

// SendOTP asks the backend to text a one-time code to phone (E.164).
func (c *Client) SendOTP(ctx context.Context, phone string) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/otp",
		body:   map[string]any{"phone": phone, "create_user": true},
	}, nil)
}

// VerifyOTP exchanges an SMS code for a session.
func (c *Client) VerifyOTP(ctx context.Context, phone, code string) (User, error) {
	var tr tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/verify",
		body:   map[string]string{"type": "sms", "phone": phone, "token": code},
	}, &tr)
	if err != nil {
		return User{}, credentialsError(err)
	}
	au, err := c.storeSession(tr)
	if err != nil {
		return User{}, err
	}
	return c.profile(ctx, au), nil
}

// SignOut revokes the session on the backend and always forgets it locally.
func (c *Client) SignOut(ctx context.Context) error {
	sess, err := c.sessions.Load()
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	remoteErr := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/logout",
		token:  sess.AccessToken,
	}, nil)
	if err := c.sessions.Clear(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return remoteErr
}

// CurrentUser returns the signed-in user or ErrNoSession.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var au authUser
	if err := c.do(ctx, request{method: http.MethodGet, path: "/auth/v1/user", authed: true}, &au); err != nil {
		var re *Error
		if errors.As(err, &re) && re.Status == http.StatusUnauthorized {
			return User{}, ErrNoSession
		}
		return User{}, err
	}
	return c.profile(ctx, au), nil
}

// accessToken returns a usable access token, refreshing an expired one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	sess, err := c.sessions.Load()
	if err != nil {
		return "", err
	}
	if !sess.Expired(c.now(), refreshSkew) {
		return sess.AccessToken, nil
	}
	if sess.RefreshToken == "" {
		return "", ErrNoSession
	}

	var tr tokenResponse
	err = c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": sess.RefreshToken},
	}, &tr)
	if err != nil {
		var re *Error
		if errors.As(err, &re) && re.Status < 500 {
			c.logger.Info("session refresh rejected, signing out", "status", re.Status)
			if cerr := c.sessions.Clear(); cerr != nil {
				c.logger.Warn("clearing session failed", "error", cerr)
			}
			return "", ErrNoSession
		}
		return "", err
	}
	if _, err := c.storeSession(tr); err != nil {
		return "", err
	}
	return tr.AccessToken, nil
}

func (c *Client) storeSession(tr tokenResponse) (authUser, error) {
	if tr.AccessToken == "" {
		return authUser{}, errors.New("backend returned no access token")
	}
	sess := Session{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	sub, exp, err := tokenClaims(tr.AccessToken)
	if err != nil {
		c.logger.Debug("access token is not a readable JWT", "error", err)
	}
	sess.UserID = sub
	sess.ExpiresAt = exp
	if sess.ExpiresAt.IsZero() && tr.ExpiresIn > 0 {
		sess.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	var au authUser
	if tr.User != nil {
		au = *tr.User
	}
	if au.ID == "" {
		au.ID = sub
	}
	if sess.UserID == "" {
		sess.UserID = au.ID
	}
	if err := c.sessions.Save(sess); err != nil {
		return authUser{}, fmt.Errorf("saving session: %w", err)
	}
	return au, nil
}

// profile joins the auth user with its users row. A missing or unreadable
// row yields the bare account.
func (c *Client) profile(ctx context.Context, au authUser) User {
	u := User{ID: au.ID, Email: au.Email, Phone: au.Phone}
	var rows []profileRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/users",
		query:  url.Values{"id": {eq(au.ID)}, "select": {"*"}, "limit": {"1"}},
		authed: true,
	}, &rows)
	if err != nil {
		c.logger.Debug("user profile unavailable", "user_id", au.ID, "error", err)
		return u
	}
	if len(rows) == 0 {
		return u
	}
	if rows[0].Email != nil && u.Email == "" {
		u.Email = *rows[0].Email
	}
	if rows[0].Phone != nil && u.Phone == "" {
		u.Phone = *rows[0].Phone
	}
	u.DisplayName = rows[0].DisplayName
	return u
}

func credentialsError(err error) error {
	var re *Error
	if errors.As(err, &re) && (re.Status == http.StatusBadRequest || re.Status == http.StatusUnauthorized) {
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, re.Message)
	}
	return err
}
