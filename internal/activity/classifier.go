package activity

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/f-sync/followminer/internal/fetcher"
	"github.com/f-sync/followminer/internal/markup"
	"github.com/f-sync/followminer/internal/pacing"
)

const (
	profilePathFormat          = "/%s/"
	logMessageCheckingActivity = "checking activity"
	logMessageUnreachable      = "profile unreachable, treating as inactive"
	logMessageExtractionFailed = "profile markup could not be parsed"
	logMessageVerdict          = "activity verdict"
	logMessageClassifierPanic  = "unexpected failure during activity check"
	logFieldUsername           = "username"
	logFieldStatus             = "status"
	logFieldOutcome            = "outcome"
	logFieldActive             = "active"
	logFieldReason             = "reason"
	logFieldPanic              = "panic"
)

// Heuristic names the liveness rule so callers never mistake a verdict for ground truth.
const Heuristic = "presence:#recent-activity"

// Reason explains a Verdict.
type Reason string

const (
	// ReasonRecentActivityPresent means the recent-activity region was found.
	ReasonRecentActivityPresent Reason = "recent_activity_present"
	// ReasonRecentActivityAbsent means the profile loaded without a recent-activity region.
	ReasonRecentActivityAbsent Reason = "recent_activity_absent"
	// ReasonProfileUnreachable means the profile did not load; the user is reported inactive.
	ReasonProfileUnreachable Reason = "profile_unreachable"
	// ReasonClassificationFailure means the check broke unexpectedly; the user is reported inactive.
	ReasonClassificationFailure Reason = "classification_failure"
)

// Verdict is the labeled result of the liveness heuristic.
// Unreachable profiles and inactive profiles both report Active=false; Reason tells them apart.
type Verdict struct {
	Active    bool   `json:"is_active"`
	Reason    Reason `json:"reason"`
	Heuristic string `json:"heuristic"`
}

// Config configures a Classifier.
type Config struct {
	BaseURL   string
	Fetcher   fetcher.PageFetcher
	Extractor markup.Extractor
	Headers   *pacing.HeaderRandomizer
	Throttle  *pacing.Throttle
	Delay     pacing.Bounds
	Logger    *zap.Logger
}

// Classifier estimates whether a user is active from their profile page.
type Classifier struct {
	baseURL     string
	pageFetcher fetcher.PageFetcher
	extractor   markup.Extractor
	headers     *pacing.HeaderRandomizer
	throttle    *pacing.Throttle
	delay       pacing.Bounds
	logger      *zap.Logger
}

// NewClassifier constructs a Classifier with defaults for unset fields.
func NewClassifier(configuration Config) *Classifier {
	baseURL := fetcher.NormalizeBaseURL(configuration.BaseURL)
	extractor := configuration.Extractor
	if extractor == nil {
		extractor = markup.MustDefaultExtractor()
	}
	headers := configuration.Headers
	if headers == nil {
		headers = pacing.NewHeaderRandomizer(pacing.HeaderConfig{Referer: baseURL})
	}
	delay := configuration.Delay
	if delay == (pacing.Bounds{}) {
		delay = pacing.ActivityBounds
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		baseURL:     baseURL,
		pageFetcher: configuration.Fetcher,
		extractor:   extractor,
		headers:     headers,
		throttle:    configuration.Throttle,
		delay:       delay,
		logger:      logger,
	}
}

// IsActive reports the Active field of Classify.
func (classifier *Classifier) IsActive(ctx context.Context, username string) bool {
	return classifier.Classify(ctx, username).Active
}

// Classify fetches the profile once, after a politeness delay, and applies the presence heuristic.
// It never panics; an unexpected failure yields an inactive verdict.
func (classifier *Classifier) Classify(ctx context.Context, username string) (result Verdict) {
	defer func() {
		if recovered := recover(); recovered != nil {
			classifier.logger.Error(logMessageClassifierPanic, zap.String(logFieldUsername, username), zap.Any(logFieldPanic, recovered))
			result = classifier.verdict(username, false, ReasonClassificationFailure)
		}
	}()

	if _, err := classifier.throttle.Delay(ctx, classifier.delay); err != nil {
		return classifier.verdict(username, false, ReasonProfileUnreachable)
	}

	classifier.logger.Debug(logMessageCheckingActivity, zap.String(logFieldUsername, username))
	outcome := classifier.pageFetcher.Fetch(ctx, fetcher.Request{
		URL:    classifier.ProfileURL(username),
		Header: classifier.headers.Headers(),
	})
	if !outcome.OK() {
		classifier.logger.Info(logMessageUnreachable,
			zap.String(logFieldUsername, username),
			zap.Stringer(logFieldOutcome, outcome.Kind),
			zap.Int(logFieldStatus, outcome.StatusCode),
		)
		return classifier.verdict(username, false, ReasonProfileUnreachable)
	}

	present, err := classifier.extractor.RecentActivity(outcome.Body)
	if err != nil {
		classifier.logger.Warn(logMessageExtractionFailed, zap.String(logFieldUsername, username), zap.Error(err))
		return classifier.verdict(username, false, ReasonRecentActivityAbsent)
	}
	if present {
		return classifier.verdict(username, true, ReasonRecentActivityPresent)
	}
	return classifier.verdict(username, false, ReasonRecentActivityAbsent)
}

// ProfileURL builds the profile page URL for a user.
func (classifier *Classifier) ProfileURL(username string) string {
	return classifier.baseURL + fmt.Sprintf(profilePathFormat, url.PathEscape(username))
}

func (classifier *Classifier) verdict(username string, active bool, reason Reason) Verdict {
	classifier.logger.Debug(logMessageVerdict,
		zap.String(logFieldUsername, username),
		zap.Bool(logFieldActive, active),
		zap.String(logFieldReason, string(reason)),
	)
	return Verdict{Active: active, Reason: reason, Heuristic: Heuristic}
}
