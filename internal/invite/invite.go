// Package invite generates and normalises family invite codes and builds
// shareable invite links.
package invite

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Alphabet excludes I, O, 0 and 1.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of symbols in a generated code.
const CodeLength = 6

// DefaultMaxRetries bounds collision retries before the timestamp fallback.
const DefaultMaxRetries = 3

// ExistsFunc reports whether a code is already taken.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// now is replaced in tests.
var now = time.Now

// Random draws one code from Alphabet using crypto/rand.
func Random() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	max := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("drawing invite code: %w", err)
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Generate draws up to maxRetries random codes and returns the first one
// exists reports as free. A lookup error counts as free. When every attempt
// collides it returns a timestamp-derived code.
func Generate(ctx context.Context, exists ExistsFunc, maxRetries int) (string, error) {
	return generate(ctx, Random, exists, maxRetries)
}

func generate(ctx context.Context, draw func() (string, error), exists ExistsFunc, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := draw()
		if err != nil {
			return "", err
		}
		if exists == nil {
			return code, nil
		}
		taken, err := exists(ctx, code)
		if err != nil || !taken {
			return code, nil
		}
		slog.Warn("invite code collision, retrying", "attempt", attempt+1, "max", maxRetries)
	}
	return Fallback(now()), nil
}

// Fallback returns the timestamp-derived code used after all retries collide.
func Fallback(t time.Time) string {
	return "INV" + strings.ToUpper(strconv.FormatInt(t.UnixMilli(), 36))
}

// Normalize trims, upper-cases and strips everything outside [A-Z0-9].
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Path returns the invite route for code.
func Path(code string) string {
	return "/j/" + Normalize(code)
}

// Link builds <origin>/j/<CODE>. An internationalised host is converted to
// its ASCII form so the link survives share targets that mangle Unicode.
func Link(baseURL, code string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing app url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("app url %q must be absolute", baseURL)
	}
	host := u.Hostname()
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("converting host %q: %w", host, err)
	}
	if port := u.Port(); port != "" {
		u.Host = ascii + ":" + port
	} else {
		u.Host = ascii
	}
	u.Path = strings.TrimRight(u.Path, "/") + Path(code)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
