// Package engine assembles one isolated crawler and action engine from configuration.
// Instances share nothing, so tests and concurrent deployments can run several side by side.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/f-sync/followminer/internal/activity"
	"github.com/f-sync/followminer/internal/fetcher"
	"github.com/f-sync/followminer/internal/follow"
	"github.com/f-sync/followminer/internal/followers"
	"github.com/f-sync/followminer/internal/markup"
	"github.com/f-sync/followminer/internal/pacing"
)

const (
	errMessageSelectors    = "compile selectors"
	logMessageEngineReady  = "engine configured"
	logFieldBaseURL        = "base_url"
	logFieldDelaysEnabled  = "delays_enabled"
	logFieldRequestTimeout = "request_timeout"
)

// Config configures an Engine. Zero values select production defaults.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	DelaysDisabled bool

	PaginationDelay pacing.Bounds
	ActivityDelay   pacing.Bounds
	FollowDelay     pacing.Bounds

	UserAgents         []string
	AcceptLanguage     string
	DebugDumpDirectory string
	Selectors          *markup.Selectors

	HTTPClient      *http.Client
	Fetcher         fetcher.PageFetcher
	RandomGenerator *rand.Rand
	Sleep           pacing.SleepFunc
	Logger          *zap.Logger
}

// Engine exposes the scrape, activity and follow operations.
type Engine struct {
	baseURL    string
	paginator  *followers.Paginator
	classifier *activity.Classifier
	executor   *follow.Executor
}

// New builds an Engine.
func New(configuration Config) (*Engine, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := fetcher.NormalizeBaseURL(configuration.BaseURL)

	selectors := markup.DefaultSelectors()
	if configuration.Selectors != nil {
		selectors = *configuration.Selectors
	}
	extractor, err := markup.NewHTMLExtractor(selectors)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageSelectors, err)
	}

	pageFetcher := configuration.Fetcher
	if pageFetcher == nil {
		pageFetcher = fetcher.NewRestyFetcher(fetcher.Config{
			Client:       configuration.HTTPClient,
			Timeout:      configuration.RequestTimeout,
			MaxBodyBytes: configuration.MaxBodyBytes,
			Logger:       logger,
		})
	}

	headers := pacing.NewHeaderRandomizer(pacing.HeaderConfig{
		Referer:         baseURL,
		AcceptLanguage:  configuration.AcceptLanguage,
		UserAgents:      configuration.UserAgents,
		RandomGenerator: configuration.RandomGenerator,
	})
	throttle := pacing.NewThrottle(pacing.ThrottleConfig{
		Disabled:        configuration.DelaysDisabled,
		RandomGenerator: configuration.RandomGenerator,
		Sleep:           configuration.Sleep,
		Logger:          logger,
	})

	logger.Info(logMessageEngineReady,
		zap.String(logFieldBaseURL, baseURL),
		zap.Bool(logFieldDelaysEnabled, throttle.Enabled()),
		zap.Duration(logFieldRequestTimeout, configuration.RequestTimeout),
	)

	return &Engine{
		baseURL: baseURL,
		paginator: followers.NewPaginator(followers.Config{
			BaseURL:            baseURL,
			Fetcher:            pageFetcher,
			Extractor:          extractor,
			Headers:            headers,
			Throttle:           throttle,
			Delay:              configuration.PaginationDelay,
			DebugDumpDirectory: configuration.DebugDumpDirectory,
			Logger:             logger,
		}),
		classifier: activity.NewClassifier(activity.Config{
			BaseURL:   baseURL,
			Fetcher:   pageFetcher,
			Extractor: extractor,
			Headers:   headers,
			Throttle:  throttle,
			Delay:     configuration.ActivityDelay,
			Logger:    logger,
		}),
		executor: follow.NewExecutor(follow.Config{
			BaseURL:   baseURL,
			Fetcher:   pageFetcher,
			Extractor: extractor,
			Headers:   headers,
			Throttle:  throttle,
			Delay:     configuration.FollowDelay,
			Logger:    logger,
		}),
	}, nil
}

// BaseURL reports the normalized site root.
func (engine *Engine) BaseURL() string {
	return engine.baseURL
}

// Scrape collects up to maxPages of the user's followers.
func (engine *Engine) Scrape(ctx context.Context, username string, maxPages int) followers.Result {
	return engine.paginator.Scrape(ctx, username, maxPages)
}

// Classify applies the liveness heuristic to one user.
func (engine *Engine) Classify(ctx context.Context, username string) activity.Verdict {
	return engine.classifier.Classify(ctx, username)
}

// IsActive reports only the boolean part of Classify.
func (engine *Engine) IsActive(ctx context.Context, username string) bool {
	return engine.classifier.IsActive(ctx, username)
}

// Follow performs one authenticated follow attempt.
func (engine *Engine) Follow(ctx context.Context, username string, cookieString string) follow.Result {
	return engine.executor.Follow(ctx, username, cookieString)
}
