package pacing

import (
	"math/rand"
	"net/http"
	"strings"
	"sync"
)

const (
	// ChromeUserAgentMacOSSonoma141 identifies a recent Chrome build on macOS Sonoma.
	ChromeUserAgentMacOSSonoma141 = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.846.0 Safari/537.36"
	// ChromeUserAgentWindows141 identifies a recent Chrome build on Windows 10.
	ChromeUserAgentWindows141 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.846.0 Safari/537.36"
	// ChromeUserAgentLinux141 identifies a recent Chrome build on Linux.
	ChromeUserAgentLinux141 = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.846.0 Safari/537.36"
	// FirefoxUserAgentWindows133 identifies a recent Firefox build on Windows 10.
	FirefoxUserAgentWindows133 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0"
	// SafariUserAgentMacOS18 identifies Safari 18 on macOS.
	SafariUserAgentMacOS18 = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Safari/605.1.15"

	// DefaultAcceptLanguage is the fixed language preference sent with every request.
	DefaultAcceptLanguage = "en-US,en;q=0.9"

	headerUserAgent      = "User-Agent"
	headerReferer        = "Referer"
	headerAcceptLanguage = "Accept-Language"
)

var defaultUserAgentValues = []string{
	ChromeUserAgentMacOSSonoma141,
	ChromeUserAgentWindows141,
	ChromeUserAgentLinux141,
	FirefoxUserAgentWindows133,
	SafariUserAgentMacOS18,
}

// DefaultUserAgents exposes the built-in user agent pool.
func DefaultUserAgents() []string {
	return append([]string{}, defaultUserAgentValues...)
}

// HeaderConfig configures a HeaderRandomizer.
type HeaderConfig struct {
	Referer         string
	AcceptLanguage  string
	UserAgents      []string
	RandomGenerator *rand.Rand
}

// HeaderRandomizer produces per-request disguise headers.
type HeaderRandomizer struct {
	referer        string
	acceptLanguage string
	userAgents     []string

	mutex           sync.Mutex
	randomGenerator *rand.Rand
}

// NewHeaderRandomizer constructs a HeaderRandomizer. An empty agent pool falls back to DefaultUserAgents.
func NewHeaderRandomizer(configuration HeaderConfig) *HeaderRandomizer {
	userAgents := make([]string, 0, len(configuration.UserAgents))
	for _, userAgent := range configuration.UserAgents {
		if trimmed := strings.TrimSpace(userAgent); trimmed != "" {
			userAgents = append(userAgents, trimmed)
		}
	}
	if len(userAgents) == 0 {
		userAgents = DefaultUserAgents()
	}

	acceptLanguage := strings.TrimSpace(configuration.AcceptLanguage)
	if acceptLanguage == "" {
		acceptLanguage = DefaultAcceptLanguage
	}

	return &HeaderRandomizer{
		referer:         strings.TrimSpace(configuration.Referer),
		acceptLanguage:  acceptLanguage,
		userAgents:      userAgents,
		randomGenerator: configuration.RandomGenerator,
	}
}

// RandomAgent returns a user agent from the pool.
// When no random generator was configured, the package-level math/rand functions are used.
func (randomizer *HeaderRandomizer) RandomAgent() string {
	if randomizer.randomGenerator == nil {
		return randomizer.userAgents[rand.Intn(len(randomizer.userAgents))]
	}
	randomizer.mutex.Lock()
	defer randomizer.mutex.Unlock()
	return randomizer.userAgents[randomizer.randomGenerator.Intn(len(randomizer.userAgents))]
}

// Headers returns a fresh header set with a random user agent, the site referer and the language preference.
func (randomizer *HeaderRandomizer) Headers() http.Header {
	headers := make(http.Header)
	headers.Set(headerUserAgent, randomizer.RandomAgent())
	if randomizer.referer != "" {
		headers.Set(headerReferer, randomizer.referer)
	}
	headers.Set(headerAcceptLanguage, randomizer.acceptLanguage)
	return headers
}
