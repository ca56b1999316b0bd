package follow_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/f-sync/followminer/internal/fetcher"
	"github.com/f-sync/followminer/internal/follow"
	"github.com/f-sync/followminer/internal/markup"
	"github.com/f-sync/followminer/internal/pacing"
)

const (
	testBaseURL         = "https://example.test"
	testCookieString    = "sessionid=abc123; csrftoken = xyz"
	signedInProfile     = "<html><body><div class=\"person-summary\">Sign in elsewhere</div>\n<script>\nsupermodelCSRF = 'tok-42';\n</script></body></html>"
	signedOutProfile    = "<html><body><a href=\"/sign-in/\">Sign in</a>\n<script>\nsupermodelCSRF = 'tok-42';\n</script></body></html>"
	profileWithoutToken = "<html><body><div class=\"person-summary\"></div></body></html>"
)

type methodFetcher struct {
	profile    fetcher.Outcome
	submission fetcher.Outcome
	requests   []fetcher.Request
}

func (stub *methodFetcher) Fetch(_ context.Context, request fetcher.Request) fetcher.Outcome {
	stub.requests = append(stub.requests, request)
	if request.Method == http.MethodPost {
		return stub.submission
	}
	return stub.profile
}

func (stub *methodFetcher) posts() []fetcher.Request {
	var posts []fetcher.Request
	for _, request := range stub.requests {
		if request.Method == http.MethodPost {
			posts = append(posts, request)
		}
	}
	return posts
}

type panickingExtractor struct {
	markup.Extractor
}

func (panickingExtractor) AntiForgeryToken([]byte) (string, bool) {
	panic("token scanner exploded")
}

func newExecutor(stub fetcher.PageFetcher, extractor markup.Extractor, sleep pacing.SleepFunc) *follow.Executor {
	return follow.NewExecutor(follow.Config{
		BaseURL:   testBaseURL,
		Fetcher:   stub,
		Extractor: extractor,
		Throttle:  pacing.NewThrottle(pacing.ThrottleConfig{Sleep: sleep}),
	})
}

func noSleep(context.Context, time.Duration) error {
	return nil
}

func TestParseCredential(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		raw           string
		expectedPairs []fetcher.Cookie
		expectedError error
	}{
		{
			name:          "values are trimmed",
			raw:           testCookieString,
			expectedPairs: []fetcher.Cookie{{Name: "sessionid", Value: "abc123"}, {Name: "csrftoken", Value: "xyz"}},
		},
		{
			name:          "order is preserved and value may contain separators",
			raw:           "b=2;a=x=y; ;c=",
			expectedPairs: []fetcher.Cookie{{Name: "b", Value: "2"}, {Name: "a", Value: "x=y"}, {Name: "c", Value: ""}},
		},
		{
			name:          "repeated name keeps first position",
			raw:           "a=1; b=2; a=3",
			expectedPairs: []fetcher.Cookie{{Name: "a", Value: "3"}, {Name: "b", Value: "2"}},
		},
		{
			name:          "empty string",
			raw:           "",
			expectedError: follow.ErrEmptyCookieString,
		},
		{
			name:          "whitespace only",
			raw:           "   ",
			expectedError: follow.ErrEmptyCookieString,
		},
		{
			name:          "no pairs",
			raw:           "sessionid; token",
			expectedError: follow.ErrNoCookiePairs,
		},
		{
			name:          "only empty names",
			raw:           "=abc; =",
			expectedError: follow.ErrNoCookiePairs,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			credential, err := follow.ParseCredential(testCase.raw)
			if testCase.expectedError != nil {
				if !errors.Is(err, testCase.expectedError) {
					t.Fatalf("expected error %v, got %v", testCase.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCredential returned error: %v", err)
			}
			cookies := credential.Cookies()
			if len(cookies) != len(testCase.expectedPairs) || credential.Len() != len(cookies) {
				t.Fatalf("expected %v, got %v", testCase.expectedPairs, cookies)
			}
			for index, expected := range testCase.expectedPairs {
				if cookies[index] != expected {
					t.Fatalf("cookie %d: expected %+v, got %+v", index, expected, cookies[index])
				}
			}
		})
	}
}

func TestFollowOutcomes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name              string
		cookieString      string
		profile           fetcher.Outcome
		submission        fetcher.Outcome
		expectedSucceeded bool
		expectedFailure   follow.FailureKind
		expectedMessage   string
		expectedRequests  int
		expectedPosts     int
	}{
		{
			name:              "success",
			cookieString:      testCookieString,
			profile:           fetcher.Success(200, signedInProfile),
			submission:        fetcher.Success(200, `{"result": true}`),
			expectedSucceeded: true,
			expectedMessage:   "Followed",
			expectedRequests:  2,
			expectedPosts:     1,
		},
		{
			name:             "invalid credential makes no request",
			cookieString:     "no pairs here",
			expectedFailure:  follow.FailureInvalidCredential,
			expectedMessage:  "No cookies found. Format: 'key=value;'",
			expectedRequests: 0,
		},
		{
			name:             "empty credential makes no request",
			cookieString:     "",
			expectedFailure:  follow.FailureInvalidCredential,
			expectedMessage:  "Empty or invalid cookie string provided.",
			expectedRequests: 0,
		},
		{
			name:             "signed out session never posts",
			cookieString:     testCookieString,
			profile:          fetcher.Success(200, signedOutProfile),
			expectedFailure:  follow.FailureSessionExpired,
			expectedMessage:  "Session expired/invalid (Not logged in)",
			expectedRequests: 1,
		},
		{
			name:             "missing token never posts",
			cookieString:     testCookieString,
			profile:          fetcher.Success(200, profileWithoutToken),
			expectedFailure:  follow.FailureTokenMissing,
			expectedMessage:  "CSRF token missing (Auth failed?)",
			expectedRequests: 1,
		},
		{
			name:             "profile not reachable",
			cookieString:     testCookieString,
			profile:          fetcher.ServerOrBlocked(403, "forbidden"),
			expectedFailure:  follow.FailureHTTP,
			expectedMessage:  "Profile fetch failed: 403 Body: forbidden",
			expectedRequests: 1,
		},
		{
			name:             "profile transport error",
			cookieString:     testCookieString,
			profile:          fetcher.TransportError(errors.New("connection refused")),
			expectedFailure:  follow.FailureError,
			expectedMessage:  "Error: connection refused",
			expectedRequests: 1,
		},
		{
			name:             "remote rejection carries site messages",
			cookieString:     testCookieString,
			profile:          fetcher.Success(200, signedInProfile),
			submission:       fetcher.Success(200, `{"result": false, "messages": ["Rate limited"]}`),
			expectedFailure:  follow.FailureRemoteRejected,
			expectedMessage:  `LB Error: Rate limited | Raw: {"result": false, "messages": ["Rate limited"]}`,
			expectedRequests: 2,
			expectedPosts:    1,
		},
		{
			name:             "remote rejection without messages",
			cookieString:     testCookieString,
			profile:          fetcher.Success(200, signedInProfile),
			submission:       fetcher.Success(200, `{"result": 0}`),
			expectedFailure:  follow.FailureRemoteRejected,
			expectedMessage:  `LB Error: Unknown | Raw: {"result": 0}`,
			expectedRequests: 2,
			expectedPosts:    1,
		},
		{
			name:             "html body instead of json",
			cookieString:     testCookieString,
			profile:          fetcher.Success(200, signedInProfile),
			submission:       fetcher.Success(200, "<html>please sign in</html>"),
			expectedFailure:  follow.FailureUnexpectedResponse,
			expectedMessage:  "Not JSON (Login redir?): <html>please sign in</html>",
			expectedRequests: 2,
			expectedPosts:    1,
		},
		{
			name:             "json array is not an object",
			cookieString:     testCookieString,
			profile:          fetcher.Success(200, signedInProfile),
			submission:       fetcher.Success(200, `[true]`),
			expectedFailure:  follow.FailureUnexpectedResponse,
			expectedMessage:  "Not JSON (Login redir?): [true]",
			expectedRequests: 2,
			expectedPosts:    1,
		},
		{
			name:             "json object followed by markup",
			cookieString:     testCookieString,
			profile:          fetcher.Success(200, signedInProfile),
			submission:       fetcher.Success(200, `{"result": true}<html>Sign in</html>`),
			expectedFailure:  follow.FailureUnexpectedResponse,
			expectedMessage:  `Not JSON (Login redir?): {"result": true}<html>Sign in</html>`,
			expectedRequests: 2,
			expectedPosts:    1,
		},
		{
			name:              "json object with trailing whitespace",
			cookieString:      testCookieString,
			profile:           fetcher.Success(200, signedInProfile),
			submission:        fetcher.Success(200, "{\"result\": 1}\n  "),
			expectedSucceeded: true,
			expectedMessage:   "Followed",
			expectedRequests:  2,
			expectedPosts:     1,
		},
		{
			name:             "submission rejected with status",
			cookieString:     testCookieString,
			profile:          fetcher.Success(200, signedInProfile),
			submission:       fetcher.ServerOrBlocked(429, strings.Repeat("x", 80)),
			expectedFailure:  follow.FailureHTTP,
			expectedMessage:  "Follow failed: 429 Body: " + strings.Repeat("x", 50),
			expectedRequests: 2,
			expectedPosts:    1,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			stub := &methodFetcher{profile: testCase.profile, submission: testCase.submission}
			result := newExecutor(stub, nil, noSleep).Follow(context.Background(), "bob", testCase.cookieString)

			if result.Succeeded != testCase.expectedSucceeded {
				t.Fatalf("expected Succeeded=%t, got %+v", testCase.expectedSucceeded, result)
			}
			if result.Failure != testCase.expectedFailure {
				t.Fatalf("expected failure %q, got %q", testCase.expectedFailure, result.Failure)
			}
			if result.Message != testCase.expectedMessage {
				t.Fatalf("expected message %q, got %q", testCase.expectedMessage, result.Message)
			}
			if len(stub.requests) != testCase.expectedRequests {
				t.Fatalf("expected %d requests, got %d", testCase.expectedRequests, len(stub.requests))
			}
			if len(stub.posts()) != testCase.expectedPosts {
				t.Fatalf("expected %d posts, got %d", testCase.expectedPosts, len(stub.posts()))
			}
		})
	}
}

func TestFollowSubmissionShape(t *testing.T) {
	t.Parallel()

	stub := &methodFetcher{
		profile:    fetcher.Success(200, signedInProfile),
		submission: fetcher.Success(200, `{"result": true}`),
	}
	var delays []time.Duration
	sleep := func(_ context.Context, duration time.Duration) error {
		delays = append(delays, duration)
		return nil
	}
	result := newExecutor(stub, nil, sleep).Follow(context.Background(), "bob", testCookieString)
	if !result.Succeeded {
		t.Fatalf("expected success, got %+v", result)
	}

	profileRequest := stub.requests[0]
	if profileRequest.URL != testBaseURL+"/bob/" || profileRequest.Method != "" {
		t.Fatalf("unexpected profile request %+v", profileRequest)
	}
	if fetcher.CookieHeader(profileRequest.Cookies) != "sessionid=abc123; csrftoken=xyz" {
		t.Fatalf("unexpected profile cookies %v", profileRequest.Cookies)
	}

	submission := stub.requests[1]
	if submission.URL != testBaseURL+"/bob/follow/" {
		t.Fatalf("unexpected submission url %q", submission.URL)
	}
	if len(submission.Form) != 1 || submission.Form.Get("__csrf") != "tok-42" {
		t.Fatalf("expected token as sole form field, got %v", submission.Form)
	}
	if submission.Header.Get("X-Requested-With") != "XMLHttpRequest" {
		t.Fatalf("missing script-originated marker: %v", submission.Header)
	}
	if submission.Header.Get("Referer") != testBaseURL+"/bob/" || submission.Header.Get("Origin") != testBaseURL {
		t.Fatalf("unexpected referer/origin: %v", submission.Header)
	}
	if fetcher.CookieHeader(submission.Cookies) != "sessionid=abc123; csrftoken=xyz" {
		t.Fatalf("unexpected submission cookies %v", submission.Cookies)
	}
	if len(delays) != 1 || delays[0] < pacing.FollowBounds.Min || delays[0] > pacing.FollowBounds.Max {
		t.Fatalf("expected one delay within follow bounds, got %v", delays)
	}
}

func TestFollowCancelledBeforeSubmission(t *testing.T) {
	t.Parallel()

	stub := &methodFetcher{profile: fetcher.Success(200, signedInProfile)}
	sleep := func(context.Context, time.Duration) error { return context.Canceled }
	result := newExecutor(stub, nil, sleep).Follow(context.Background(), "bob", testCookieString)

	if result.Failure != follow.FailureError || len(stub.posts()) != 0 {
		t.Fatalf("expected cancellation without submission, got %+v and %d posts", result, len(stub.posts()))
	}
}

func TestFollowRecoversFromPanic(t *testing.T) {
	t.Parallel()

	stub := &methodFetcher{profile: fetcher.Success(200, signedInProfile)}
	extractor := panickingExtractor{Extractor: markup.MustDefaultExtractor()}
	result := newExecutor(stub, extractor, noSleep).Follow(context.Background(), "bob", testCookieString)

	if result.Succeeded || result.Failure != follow.FailureError {
		t.Fatalf("expected follow error, got %+v", result)
	}
	if !strings.Contains(result.Message, "token scanner exploded") {
		t.Fatalf("expected panic text in message, got %q", result.Message)
	}
	if len(stub.posts()) != 0 {
		t.Fatalf("expected no submission after panic")
	}
}

func TestFollowMessageIsBounded(t *testing.T) {
	t.Parallel()

	longMessage := strings.Repeat("m", 500)
	stub := &methodFetcher{
		profile:    fetcher.Success(200, signedInProfile),
		submission: fetcher.Success(200, `{"result": false, "messages": ["`+longMessage+`"]}`),
	}
	result := newExecutor(stub, nil, noSleep).Follow(context.Background(), "bob", testCookieString)
	if result.Failure != follow.FailureRemoteRejected {
		t.Fatalf("expected remote rejection, got %+v", result)
	}
	if len(result.Message) != 300 {
		t.Fatalf("expected message capped at 300 characters, got %d", len(result.Message))
	}
}

func TestFollowEscapesUsernameInRequestPaths(t *testing.T) {
	t.Parallel()

	stub := &methodFetcher{
		profile:    fetcher.Success(200, signedInProfile),
		submission: fetcher.Success(200, `{"result": true}`),
	}
	newExecutor(stub, nil, noSleep).Follow(context.Background(), "x/../settings?y=", testCookieString)

	if len(stub.requests) != 2 {
		t.Fatalf("expected profile and submission requests, got %d", len(stub.requests))
	}
	if stub.requests[0].URL != testBaseURL+"/x%2F..%2Fsettings%3Fy=/" {
		t.Fatalf("unexpected profile url %q", stub.requests[0].URL)
	}
	if stub.requests[1].URL != testBaseURL+"/x%2F..%2Fsettings%3Fy=/follow/" {
		t.Fatalf("unexpected submission url %q", stub.requests[1].URL)
	}
}
