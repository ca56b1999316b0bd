package follow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/f-sync/followminer/internal/fetcher"
	"github.com/f-sync/followminer/internal/markup"
	"github.com/f-sync/followminer/internal/pacing"
)

const (
	profilePathFormat = "/%s/"
	followPathFormat  = "/%s/follow/"

	formFieldAntiForgery = "__csrf"
	jsonFieldResult      = "result"
	jsonFieldMessages    = "messages"

	headerOrigin          = "Origin"
	headerReferer         = "Referer"
	headerRequestedWith   = "X-Requested-With"
	headerContentType     = "Content-Type"
	requestedWithXHR      = "XMLHttpRequest"
	contentTypeURLEncoded = "application/x-www-form-urlencoded"

	messageFollowed             = "Followed"
	messageSessionExpired       = "Session expired/invalid (Not logged in)"
	messageTokenMissing         = "CSRF token missing (Auth failed?)"
	messageProfileFetchFormat   = "Profile fetch failed: %d Body: %s"
	messageFollowFailedFormat   = "Follow failed: %d Body: %s"
	messageNotJSONFormat        = "Not JSON (Login redir?): %s"
	messageRemoteRejectedFormat = "LB Error: %s | Raw: %s"
	messageErrorFormat          = "Error: %v"
	messageUnknownRemoteError   = "Unknown"
	remoteMessagesSeparator     = ", "
	responsePreviewLength       = 100
	failureBodyPreviewLength    = 50
	maxMessageLength            = 300
	logMessageFollowStarted     = "follow attempt started"
	logMessageFollowFinished    = "follow attempt finished"
	logMessageFollowPanic       = "unexpected failure during follow attempt"
	logMessageSubmittingFollow  = "submitting follow"
	logFieldUsername            = "username"
	logFieldSucceeded           = "succeeded"
	logFieldFailure             = "failure"
	logFieldMessage             = "message"
	logFieldCookieCount         = "cookie_count"
	logFieldPanic               = "panic"
)

// FailureKind names the terminal state a failed follow attempt stopped in.
type FailureKind string

const (
	// FailureNone marks a successful attempt.
	FailureNone FailureKind = ""
	// FailureInvalidCredential means the cookie string held no usable cookie.
	FailureInvalidCredential FailureKind = "invalid_credential"
	// FailureSessionExpired means the profile was rendered for a signed-out visitor.
	FailureSessionExpired FailureKind = "session_expired"
	// FailureTokenMissing means no anti-forgery token was found on the profile.
	FailureTokenMissing FailureKind = "token_missing"
	// FailureHTTP means a request returned a non-2xx status.
	FailureHTTP FailureKind = "http_failure"
	// FailureUnexpectedResponse means the submission answered 2xx with a body that was not a JSON object.
	FailureUnexpectedResponse FailureKind = "unexpected_response"
	// FailureRemoteRejected means the site answered with a falsy result.
	FailureRemoteRejected FailureKind = "remote_rejected"
	// FailureError covers transport errors, cancellation and recovered panics.
	FailureError FailureKind = "follow_error"
)

// Result is the outcome of one follow attempt. Message is always set and bounded in length.
type Result struct {
	Succeeded bool        `json:"succeeded"`
	Message   string      `json:"message"`
	Failure   FailureKind `json:"failure,omitempty"`
}

// Config configures an Executor.
type Config struct {
	BaseURL   string
	Fetcher   fetcher.PageFetcher
	Extractor markup.Extractor
	Headers   *pacing.HeaderRandomizer
	Throttle  *pacing.Throttle
	Delay     pacing.Bounds
	Logger    *zap.Logger
}

// Executor performs authenticated follow actions. It keeps no state between attempts.
type Executor struct {
	baseURL     string
	pageFetcher fetcher.PageFetcher
	extractor   markup.Extractor
	headers     *pacing.HeaderRandomizer
	throttle    *pacing.Throttle
	delay       pacing.Bounds
	logger      *zap.Logger
}

// NewExecutor constructs an Executor with defaults for unset fields.
func NewExecutor(configuration Config) *Executor {
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
		delay = pacing.FollowBounds
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		baseURL:     baseURL,
		pageFetcher: configuration.Fetcher,
		extractor:   extractor,
		headers:     headers,
		throttle:    configuration.Throttle,
		delay:       delay,
		logger:      logger,
	}
}

// Follow runs one attempt: parse credential, load profile, check session, extract token, delay, submit.
// The first failing step ends the attempt; nothing is retried and nothing panics past this call.
func (executor *Executor) Follow(ctx context.Context, username string, cookieString string) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			executor.logger.Error(logMessageFollowPanic, zap.String(logFieldUsername, username), zap.Any(logFieldPanic, recovered))
			result = failure(FailureError, fmt.Sprintf(messageErrorFormat, recovered))
		}
		executor.logger.Info(logMessageFollowFinished,
			zap.String(logFieldUsername, username),
			zap.Bool(logFieldSucceeded, result.Succeeded),
			zap.String(logFieldFailure, string(result.Failure)),
			zap.String(logFieldMessage, result.Message),
		)
	}()

	credential, err := ParseCredential(cookieString)
	if err != nil {
		return failure(FailureInvalidCredential, err.Error())
	}
	executor.logger.Info(logMessageFollowStarted, zap.String(logFieldUsername, username), zap.Int(logFieldCookieCount, credential.Len()))

	profileURL := executor.ProfileURL(username)
	profile := executor.pageFetcher.Fetch(ctx, fetcher.Request{
		URL:     profileURL,
		Header:  executor.headers.Headers(),
		Cookies: credential.Cookies(),
	})
	switch profile.Kind {
	case fetcher.OutcomeSuccess:
	case fetcher.OutcomeTransportError:
		return failure(FailureError, fmt.Sprintf(messageErrorFormat, profile.Err))
	default:
		return failure(FailureHTTP, fmt.Sprintf(messageProfileFetchFormat, profile.StatusCode, preview(profile.Text(), failureBodyPreviewLength)))
	}

	if executor.extractor.SessionState(profile.Body).LoggedOut() {
		return failure(FailureSessionExpired, messageSessionExpired)
	}

	token, found := executor.extractor.AntiForgeryToken(profile.Body)
	if !found {
		return failure(FailureTokenMissing, messageTokenMissing)
	}

	if _, err := executor.throttle.Delay(ctx, executor.delay); err != nil {
		return failure(FailureError, fmt.Sprintf(messageErrorFormat, err))
	}

	executor.logger.Debug(logMessageSubmittingFollow, zap.String(logFieldUsername, username))
	submission := executor.pageFetcher.Fetch(ctx, fetcher.Request{
		Method:  http.MethodPost,
		URL:     executor.FollowURL(username),
		Header:  executor.submissionHeaders(profileURL),
		Cookies: credential.Cookies(),
		Form:    url.Values{formFieldAntiForgery: []string{token}},
	})
	return interpretSubmission(submission)
}

// ProfileURL builds the profile page URL for a user.
func (executor *Executor) ProfileURL(username string) string {
	return executor.baseURL + fmt.Sprintf(profilePathFormat, url.PathEscape(username))
}

// FollowURL builds the follow submission URL for a user.
func (executor *Executor) FollowURL(username string) string {
	return executor.baseURL + fmt.Sprintf(followPathFormat, url.PathEscape(username))
}

func (executor *Executor) submissionHeaders(profileURL string) http.Header {
	headers := executor.headers.Headers()
	headers.Set(headerOrigin, executor.baseURL)
	headers.Set(headerReferer, profileURL)
	headers.Set(headerRequestedWith, requestedWithXHR)
	headers.Set(headerContentType, contentTypeURLEncoded)
	return headers
}

func interpretSubmission(submission fetcher.Outcome) Result {
	switch submission.Kind {
	case fetcher.OutcomeSuccess:
	case fetcher.OutcomeTransportError:
		return failure(FailureError, fmt.Sprintf(messageErrorFormat, submission.Err))
	default:
		return failure(FailureHTTP, fmt.Sprintf(messageFollowFailedFormat, submission.StatusCode, preview(submission.Text(), failureBodyPreviewLength)))
	}

	payload, ok := decodeObject(submission.Body)
	if !ok {
		return failure(FailureUnexpectedResponse, fmt.Sprintf(messageNotJSONFormat, preview(submission.Text(), responsePreviewLength)))
	}

	if truthy(payload[jsonFieldResult]) {
		return Result{Succeeded: true, Message: messageFollowed}
	}
	rawPreview := preview(strings.TrimSpace(submission.Text()), responsePreviewLength)
	return failure(FailureRemoteRejected, fmt.Sprintf(messageRemoteRejectedFormat, remoteMessages(payload[jsonFieldMessages]), rawPreview))
}

// decodeObject accepts a body only when it is exactly one JSON object.
func decodeObject(body []byte) (map[string]any, bool) {
	var payload map[string]any
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		return nil, false
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return payload, true
}

func remoteMessages(value any) string {
	var messages []string
	switch typed := value.(type) {
	case []any:
		for _, entry := range typed {
			messages = append(messages, fmt.Sprint(entry))
		}
	case string:
		messages = append(messages, typed)
	}
	if len(messages) == 0 {
		return messageUnknownRemoteError
	}
	return strings.Join(messages, remoteMessagesSeparator)
}

// truthy follows the loose truthiness the site's JSON relies on: false, null, zero and empty values are false.
func truthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case json.Number:
		number, err := typed.Float64()
		return err != nil || number != 0
	case string:
		return typed != ""
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}

func failure(kind FailureKind, message string) Result {
	return Result{Succeeded: false, Message: preview(message, maxMessageLength), Failure: kind}
}

// preview keeps at most limit runes of text.
func preview(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
