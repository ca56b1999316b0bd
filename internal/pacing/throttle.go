package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	logMessageSleeping    = "politeness delay"
	logFieldDelay         = "delay"
	logFieldDelayMinimum  = "min"
	logFieldDelayMaximum  = "max"
	logMessageDelaySkip   = "politeness delay skipped"
	logFieldDelaysEnabled = "delays_enabled"
)

// Bounds is an inclusive range for a uniformly random delay.
type Bounds struct {
	Min time.Duration
	Max time.Duration
}

var (
	// PaginationBounds separates two follower listing pages.
	PaginationBounds = Bounds{Min: 2000 * time.Millisecond, Max: 5000 * time.Millisecond}
	// ActivityBounds precedes a profile activity check.
	ActivityBounds = Bounds{Min: 1500 * time.Millisecond, Max: 3000 * time.Millisecond}
	// FollowBounds precedes a follow submission.
	FollowBounds = Bounds{Min: 2000 * time.Millisecond, Max: 4000 * time.Millisecond}
)

// SleepFunc blocks for the supplied duration or until the context ends.
type SleepFunc func(ctx context.Context, duration time.Duration) error

// ThrottleConfig configures a Throttle.
type ThrottleConfig struct {
	// Disabled skips every delay. Intended for tests and local tooling.
	Disabled        bool
	RandomGenerator *rand.Rand
	Sleep           SleepFunc
	Logger          *zap.Logger
}

// Throttle enforces randomized pauses on the calling flow between outbound requests.
type Throttle struct {
	disabled bool
	sleep    SleepFunc
	logger   *zap.Logger

	mutex           sync.Mutex
	randomGenerator *rand.Rand
}

// NewThrottle constructs a Throttle from configuration values.
func NewThrottle(configuration ThrottleConfig) *Throttle {
	randomGenerator := configuration.RandomGenerator
	if randomGenerator == nil {
		randomGenerator = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	sleep := configuration.Sleep
	if sleep == nil {
		sleep = WaitForDuration
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{
		disabled:        configuration.Disabled,
		sleep:           sleep,
		logger:          logger,
		randomGenerator: randomGenerator,
	}
}

// Enabled reports whether delays are applied.
func (throttle *Throttle) Enabled() bool {
	return throttle != nil && !throttle.disabled
}

// Delay blocks for a uniformly random duration within bounds and returns the sampled duration.
// A nil or disabled Throttle returns immediately.
func (throttle *Throttle) Delay(ctx context.Context, bounds Bounds) (time.Duration, error) {
	if !throttle.Enabled() {
		if throttle != nil {
			throttle.logger.Debug(logMessageDelaySkip, zap.Bool(logFieldDelaysEnabled, false))
		}
		return 0, nil
	}

	delayDuration := throttle.Sample(bounds)
	throttle.logger.Debug(logMessageSleeping,
		zap.Duration(logFieldDelay, delayDuration),
		zap.Duration(logFieldDelayMinimum, bounds.Min),
		zap.Duration(logFieldDelayMaximum, bounds.Max),
	)
	if err := throttle.sleep(ctx, delayDuration); err != nil {
		return delayDuration, err
	}
	return delayDuration, nil
}

// Sample draws a duration from bounds without sleeping.
func (throttle *Throttle) Sample(bounds Bounds) time.Duration {
	minimum, maximum := bounds.Min, bounds.Max
	if minimum < 0 {
		minimum = 0
	}
	if maximum < minimum {
		maximum = minimum
	}
	if maximum == minimum {
		return minimum
	}

	throttle.mutex.Lock()
	fraction := throttle.randomGenerator.Float64()
	throttle.mutex.Unlock()

	return minimum + time.Duration(fraction*float64(maximum-minimum))
}

// WaitForDuration sleeps on a timer and returns early with the context error on cancellation.
func WaitForDuration(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
