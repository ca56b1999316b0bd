package follow

import (
	"errors"
	"strings"

	"github.com/f-sync/followminer/internal/fetcher"
)

const (
	cookiePairDelimiter     = ";"
	cookieKeyValueSeparator = "="
	errMessageEmptyCookies  = "Empty or invalid cookie string provided."
	errMessageNoCookiePairs = "No cookies found. Format: 'key=value;'"
)

var (
	// ErrEmptyCookieString is returned for a blank cookie string.
	ErrEmptyCookieString = errors.New(errMessageEmptyCookies)
	// ErrNoCookiePairs is returned when the string holds no key=value pair.
	ErrNoCookiePairs = errors.New(errMessageNoCookiePairs)
)

// SessionCredential is an ordered cookie jar parsed from a raw Cookie header style string.
type SessionCredential struct {
	cookies []fetcher.Cookie
}

// ParseCredential splits raw on ";" and each item on its first "=", trimming both sides.
// Items without "=" or with an empty name are ignored. A repeated name keeps its first
// position and takes the later value. Every error is terminal.
func ParseCredential(raw string) (SessionCredential, error) {
	if strings.TrimSpace(raw) == "" {
		return SessionCredential{}, ErrEmptyCookieString
	}

	credential := SessionCredential{}
	positions := make(map[string]int)
	for _, item := range strings.Split(raw, cookiePairDelimiter) {
		name, value, found := strings.Cut(strings.TrimSpace(item), cookieKeyValueSeparator)
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if position, seen := positions[name]; seen {
			credential.cookies[position].Value = value
			continue
		}
		positions[name] = len(credential.cookies)
		credential.cookies = append(credential.cookies, fetcher.Cookie{Name: name, Value: value})
	}

	if len(credential.cookies) == 0 {
		return SessionCredential{}, ErrNoCookiePairs
	}
	return credential, nil
}

// Cookies returns a copy of the cookies in parse order.
func (credential SessionCredential) Cookies() []fetcher.Cookie {
	return append([]fetcher.Cookie(nil), credential.cookies...)
}

// Len reports the number of distinct cookies.
func (credential SessionCredential) Len() int {
	return len(credential.cookies)
}
