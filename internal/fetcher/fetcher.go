package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public site root.
	DefaultBaseURL = "https://letterboxd.com"

	headerCookie                 = "Cookie"
	cookiePairFormat             = "%s=%s"
	cookiePairSeparator          = "; "
	defaultHTTPTimeout           = 30 * time.Second
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 15 * time.Second
	defaultMaxBodyBytes          = 4 * 1024 * 1024
	defaultMaxRedirects          = 10
	errMessageEmptyURL           = "request url cannot be empty"
	errMessageReadBody           = "read response body"
	logMessageFetchComplete      = "fetch complete"
	logMessageFetchFailed        = "fetch failed"
	logFieldMethod               = "method"
	logFieldURL                  = "url"
	logFieldStatus               = "status"
	logFieldOutcome              = "outcome"
	logFieldSize                 = "size"
	logFieldDuration             = "duration"
)

var errEmptyURL = errors.New(errMessageEmptyURL)

// Cookie is a single name/value pair sent in the Cookie header, in caller order.
type Cookie struct {
	Name  string
	Value string
}

// Request describes one outbound request.
// An empty Method means GET; a non-nil Form is sent as an urlencoded body.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Cookies []Cookie
	Form    url.Values
}

// PageFetcher issues a single HTTP request and classifies the response. Implementations never retry.
type PageFetcher interface {
	Fetch(ctx context.Context, request Request) Outcome
}

// Config configures a RestyFetcher.
type Config struct {
	Client       *http.Client
	Timeout      time.Duration
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// RestyFetcher implements PageFetcher with a resty client.
type RestyFetcher struct {
	client       *resty.Client
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewRestyFetcher constructs a RestyFetcher with tuned transport timeouts.
func NewRestyFetcher(configuration Config) *RestyFetcher {
	httpClient := configuration.Client
	if httpClient == nil {
		httpClient = &http.Client{Transport: defaultTransport()}
	}

	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	maxBodyBytes := configuration.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}

	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.NewWithClient(httpClient)
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(defaultMaxRedirects))

	return &RestyFetcher{
		client:       client,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Fetch issues the request once and maps the result onto an Outcome.
func (fetcher *RestyFetcher) Fetch(ctx context.Context, request Request) Outcome {
	if strings.TrimSpace(request.URL) == "" {
		return TransportError(errEmptyURL)
	}
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	restyRequest := fetcher.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	for headerName := range request.Header {
		restyRequest.SetHeader(headerName, request.Header.Get(headerName))
	}
	if cookieHeader := CookieHeader(request.Cookies); cookieHeader != "" {
		restyRequest.SetHeader(headerCookie, cookieHeader)
	}
	if request.Form != nil {
		restyRequest.SetFormDataFromValues(request.Form)
	}

	startedAt := time.Now()
	response, requestErr := restyRequest.Execute(method, request.URL)
	if requestErr != nil {
		if response != nil && response.RawBody() != nil {
			response.RawBody().Close()
		}
		fetcher.logger.Warn(logMessageFetchFailed,
			zap.String(logFieldMethod, method),
			zap.String(logFieldURL, request.URL),
			zap.Error(requestErr),
		)
		return TransportError(requestErr)
	}

	rawBody := response.RawBody()
	defer rawBody.Close()
	body, readErr := io.ReadAll(io.LimitReader(rawBody, fetcher.maxBodyBytes))
	if readErr != nil {
		return TransportError(fmt.Errorf("%s: %w", errMessageReadBody, readErr))
	}

	outcome := Outcome{
		Kind:       ClassifyStatus(response.StatusCode()),
		StatusCode: response.StatusCode(),
		Body:       body,
	}
	fetcher.logger.Debug(logMessageFetchComplete,
		zap.String(logFieldMethod, method),
		zap.String(logFieldURL, request.URL),
		zap.Int(logFieldStatus, outcome.StatusCode),
		zap.Stringer(logFieldOutcome, outcome.Kind),
		zap.Int(logFieldSize, len(body)),
		zap.Duration(logFieldDuration, time.Since(startedAt)),
	)
	return outcome
}

// CookieHeader renders cookies as a Cookie header value, preserving order and raw values.
func CookieHeader(cookies []Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		pairs = append(pairs, fmt.Sprintf(cookiePairFormat, cookie.Name, cookie.Value))
	}
	return strings.Join(pairs, cookiePairSeparator)
}

// NormalizeBaseURL trims whitespace and trailing slashes, defaulting to DefaultBaseURL.
func NormalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	return strings.TrimRight(trimmed, "/")
}

func defaultTransport() http.RoundTripper {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxConnsPerHost:       100,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}
