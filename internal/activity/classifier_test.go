package activity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/f-sync/followminer/internal/activity"
	"github.com/f-sync/followminer/internal/fetcher"
	"github.com/f-sync/followminer/internal/markup"
	"github.com/f-sync/followminer/internal/pacing"
)

const (
	activeProfile   = `<html><body><section id="recent-activity"><h2>Recent activity</h2></section></body></html>`
	inactiveProfile = `<html><body><section id="favourites"></section></body></html>`
)

type stubFetcher struct {
	outcome   fetcher.Outcome
	requested []fetcher.Request
}

func (stub *stubFetcher) Fetch(_ context.Context, request fetcher.Request) fetcher.Outcome {
	stub.requested = append(stub.requested, request)
	return stub.outcome
}

type panickingExtractor struct {
	markup.Extractor
}

func (panickingExtractor) RecentActivity(_ []byte) (bool, error) {
	panic("selector evaluation failed")
}

type panickingFetcher struct{}

func (panickingFetcher) Fetch(_ context.Context, _ fetcher.Request) fetcher.Outcome {
	panic("transport exploded")
}

type recordingSleeper struct {
	durations []time.Duration
	err       error
}

func (sleeper *recordingSleeper) sleep(_ context.Context, duration time.Duration) error {
	sleeper.durations = append(sleeper.durations, duration)
	return sleeper.err
}

func TestClassify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		outcome        fetcher.Outcome
		expectedActive bool
		expectedReason activity.Reason
	}{
		{
			name:           "recent activity region present",
			outcome:        fetcher.Success(200, activeProfile),
			expectedActive: true,
			expectedReason: activity.ReasonRecentActivityPresent,
		},
		{
			name:           "recent activity region absent",
			outcome:        fetcher.Success(200, inactiveProfile),
			expectedReason: activity.ReasonRecentActivityAbsent,
		},
		{
			name:           "not found ignores body",
			outcome:        fetcher.Outcome{Kind: fetcher.OutcomeNotFound, StatusCode: 404, Body: []byte(activeProfile)},
			expectedReason: activity.ReasonProfileUnreachable,
		},
		{
			name:           "blocked ignores body",
			outcome:        fetcher.ServerOrBlocked(429, activeProfile),
			expectedReason: activity.ReasonProfileUnreachable,
		},
		{
			name:           "transport failure",
			outcome:        fetcher.TransportError(errors.New("dial tcp: timeout")),
			expectedReason: activity.ReasonProfileUnreachable,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			stub := &stubFetcher{outcome: testCase.outcome}
			sleeper := &recordingSleeper{}
			classifier := activity.NewClassifier(activity.Config{
				BaseURL:  "https://example.test",
				Fetcher:  stub,
				Throttle: pacing.NewThrottle(pacing.ThrottleConfig{Sleep: sleeper.sleep}),
			})

			verdict := classifier.Classify(context.Background(), "bob")
			if verdict.Active != testCase.expectedActive || verdict.Reason != testCase.expectedReason {
				t.Fatalf("expected (%t, %s), got (%t, %s)", testCase.expectedActive, testCase.expectedReason, verdict.Active, verdict.Reason)
			}
			if verdict.Heuristic != activity.Heuristic {
				t.Fatalf("expected heuristic label %q, got %q", activity.Heuristic, verdict.Heuristic)
			}
			if classifier.IsActive(context.Background(), "bob") != testCase.expectedActive {
				t.Fatalf("IsActive disagrees with Classify")
			}
			if len(stub.requested) != 2 || stub.requested[0].URL != "https://example.test/bob/" {
				t.Fatalf("unexpected requests %+v", stub.requested)
			}
			if len(sleeper.durations) != 2 {
				t.Fatalf("expected one delay per check, got %d", len(sleeper.durations))
			}
			for _, duration := range sleeper.durations {
				if duration < pacing.ActivityBounds.Min || duration > pacing.ActivityBounds.Max {
					t.Fatalf("delay %s outside activity bounds", duration)
				}
			}
		})
	}
}

func TestClassifyCancelledBeforeFetch(t *testing.T) {
	t.Parallel()

	stub := &stubFetcher{outcome: fetcher.Success(200, activeProfile)}
	sleeper := &recordingSleeper{err: context.Canceled}
	classifier := activity.NewClassifier(activity.Config{
		Fetcher:  stub,
		Throttle: pacing.NewThrottle(pacing.ThrottleConfig{Sleep: sleeper.sleep}),
	})

	verdict := classifier.Classify(context.Background(), "bob")
	if verdict.Active || verdict.Reason != activity.ReasonProfileUnreachable {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if len(stub.requested) != 0 {
		t.Fatalf("expected no fetch after cancellation, got %d", len(stub.requested))
	}
}

func TestClassifySendsDisguiseHeaders(t *testing.T) {
	t.Parallel()

	stub := &stubFetcher{outcome: fetcher.Success(200, inactiveProfile)}
	classifier := activity.NewClassifier(activity.Config{
		Fetcher: stub,
		Headers: pacing.NewHeaderRandomizer(pacing.HeaderConfig{Referer: "https://example.test", UserAgents: []string{"Only/1.0"}}),
	})
	classifier.Classify(context.Background(), "bob")

	headers := stub.requested[0].Header
	if headers.Get("User-Agent") != "Only/1.0" || headers.Get("Referer") != "https://example.test" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if headers.Get("Accept-Language") != pacing.DefaultAcceptLanguage {
		t.Fatalf("unexpected language %q", headers.Get("Accept-Language"))
	}
}

func TestClassifyRecoversFromPanics(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		configuration activity.Config
	}{
		{
			name: "extractor panics",
			configuration: activity.Config{
				Fetcher:   &stubFetcher{outcome: fetcher.Success(200, activeProfile)},
				Extractor: panickingExtractor{},
			},
		},
		{
			name:          "fetcher panics",
			configuration: activity.Config{Fetcher: panickingFetcher{}},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			classifier := activity.NewClassifier(testCase.configuration)
			verdict := classifier.Classify(context.Background(), "bob")
			if verdict.Active || verdict.Reason != activity.ReasonClassificationFailure {
				t.Fatalf("unexpected verdict %+v", verdict)
			}
			if verdict.Heuristic != activity.Heuristic {
				t.Fatalf("expected heuristic label on recovered verdict, got %q", verdict.Heuristic)
			}
		})
	}
}

func TestClassifyEscapesUsernameInProfileURL(t *testing.T) {
	t.Parallel()

	classifier := activity.NewClassifier(activity.Config{BaseURL: "https://example.test"})
	if profileURL := classifier.ProfileURL("x/../settings?y="); profileURL != "https://example.test/x%2F..%2Fsettings%3Fy=/" {
		t.Fatalf("unexpected profile URL %q", profileURL)
	}
}
