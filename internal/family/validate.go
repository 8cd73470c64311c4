package family

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hkdinner/dinner/internal/invite"
)

// ErrValidation marks input rejected before any storage or network call.
var ErrValidation = errors.New("invalid input")

// MaxNameLength bounds family and display names, in characters.
const MaxNameLength = 20

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func allDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// NormalizePhone strips spaces, dashes and a +852 prefix and checks for an
// 8-digit Hong Kong number.
func NormalizePhone(phone string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
	p = strings.TrimPrefix(p, "+852")
	if !allDigits(p, 8) {
		return "", invalid("請輸入 8 位香港電話號碼")
	}
	return p, nil
}

// E164 formats an 8-digit Hong Kong number for the SMS provider.
func E164(phone string) string {
	return "+852" + phone
}

func validateOTP(code string) error {
	if !allDigits(strings.TrimSpace(code), 6) {
		return invalid("請輸入 6 位驗證碼")
	}
	return nil
}

func validateEmail(email string) error {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || local == "" || !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return invalid("請輸入有效的電郵地址")
	}
	return nil
}

func validatePassword(pw string) error {
	if utf8.RuneCountInString(pw) < 6 {
		return invalid("密碼最少 6 個字元")
	}
	return nil
}

// cleanName trims name and checks it is non-empty and short enough. what
// names the field in the error.
func cleanName(name, what string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("請輸入%s", what)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", invalid("%s最多 %d 個字", what, MaxNameLength)
	}
	return name, nil
}

func cleanCode(code string) (string, error) {
	c := invite.Normalize(code)
	if c == "" {
		return "", invalid("請輸入邀請碼")
	}
	return c, nil
}
