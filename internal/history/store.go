// Package history records completed follow actions and enforces the daily follow quota.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// StatusFollowed is the status written for every successful follow.
	StatusFollowed = "followed"
	// DefaultDailyLimit matches the quota the web dashboard always enforced.
	DefaultDailyLimit = 50
	// TableName is the ledger table or collection name.
	TableName = "follow_history"

	errMessageDailyLimitReached = "Daily limit reached"
	errMessageAlreadyFollowed   = "Already followed"
	errMessageEmptyUsername     = "username cannot be empty"
	errMessageCountFollows      = "count follows"
	errMessageLookupFollow      = "look up follow"
	errMessageListFollows       = "list follows"
	logMessageAdmissionDenied   = "follow admission denied"
	logFieldUsername            = "username"
	logFieldFollowedToday       = "followed_today"
	logFieldDailyLimit          = "daily_limit"
	logFieldReason              = "reason"
)

var (
	// ErrDailyLimitReached is returned by Gate.Admit once the day's quota is used.
	ErrDailyLimitReached = errors.New(errMessageDailyLimitReached)
	// ErrAlreadyFollowed is returned by Gate.Admit for a user already in the ledger.
	ErrAlreadyFollowed = errors.New(errMessageAlreadyFollowed)
	// ErrEmptyUsername is returned by stores for a blank username.
	ErrEmptyUsername = errors.New(errMessageEmptyUsername)
)

// Entry is one ledger row.
type Entry struct {
	Username   string    `json:"username"`
	FollowedAt time.Time `json:"followed_at"`
	Status     string    `json:"status"`
}

// Store persists follow history.
type Store interface {
	RecordFollow(ctx context.Context, username string, followedAt time.Time) error
	CountSince(ctx context.Context, since time.Time) (int64, error)
	HasFollowed(ctx context.Context, username string) (bool, error)
	// Entries lists rows newest first; limit <= 0 lists all.
	Entries(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// GateConfig configures a Gate.
type GateConfig struct {
	Store      Store
	DailyLimit int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Gate checks the daily quota and previous follows before a follow action is attempted.
type Gate struct {
	store      Store
	dailyLimit int
	clock      func() time.Time
	logger     *zap.Logger
}

// NewGate constructs a Gate. A non-positive limit falls back to DefaultDailyLimit.
func NewGate(configuration GateConfig) *Gate {
	dailyLimit := configuration.DailyLimit
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyLimit
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:      configuration.Store,
		dailyLimit: dailyLimit,
		clock:      clock,
		logger:     logger,
	}
}

// DailyLimit reports the configured quota.
func (gate *Gate) DailyLimit() int {
	return gate.dailyLimit
}

// FollowedToday counts follows recorded since the start of the current UTC day.
func (gate *Gate) FollowedToday(ctx context.Context) (int64, error) {
	count, err := gate.store.CountSince(ctx, StartOfDay(gate.clock()))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", errMessageCountFollows, err)
	}
	return count, nil
}

// Admit returns nil when username may be followed now.
func (gate *Gate) Admit(ctx context.Context, username string) error {
	followedToday, err := gate.FollowedToday(ctx)
	if err != nil {
		return err
	}
	if followedToday >= int64(gate.dailyLimit) {
		gate.logger.Warn(logMessageAdmissionDenied,
			zap.String(logFieldUsername, username),
			zap.Int64(logFieldFollowedToday, followedToday),
			zap.Int(logFieldDailyLimit, gate.dailyLimit),
			zap.String(logFieldReason, errMessageDailyLimitReached),
		)
		return fmt.Errorf("%w (%d/%d)", ErrDailyLimitReached, followedToday, gate.dailyLimit)
	}

	followed, err := gate.store.HasFollowed(ctx, username)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLookupFollow, err)
	}
	if followed {
		gate.logger.Info(logMessageAdmissionDenied, zap.String(logFieldUsername, username), zap.String(logFieldReason, errMessageAlreadyFollowed))
		return fmt.Errorf("%w: %s", ErrAlreadyFollowed, username)
	}
	return nil
}

// Record writes a successful follow at the current clock time.
func (gate *Gate) Record(ctx context.Context, username string) error {
	return gate.store.RecordFollow(ctx, username, gate.clock())
}

// Recent lists at most limit ledger entries, newest first.
func (gate *Gate) Recent(ctx context.Context, limit int) ([]Entry, error) {
	entries, err := gate.store.Entries(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageListFollows, err)
	}
	return entries, nil
}

// StartOfDay returns midnight UTC of the day containing moment.
func StartOfDay(moment time.Time) time.Time {
	utc := moment.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

func normalizeUsername(username string) (string, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return "", ErrEmptyUsername
	}
	return trimmed, nil
}
