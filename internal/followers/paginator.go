package followers

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/f-sync/followminer/internal/fetcher"
	"github.com/f-sync/followminer/internal/markup"
	"github.com/f-sync/followminer/internal/pacing"
)

const (
	followersPagePathFormat   = "/%s/followers/page/%d/"
	profilePathFormat         = "/%s/"
	debugDumpFileNameFormat   = "%s-page-%d.html"
	debugDumpFileMode         = 0o644
	debugDumpDirectoryMode    = 0o755
	logMessageScrapingPage    = "scraping followers page"
	logMessageNotFound        = "user or page not found"
	logMessageBlocked         = "failed to fetch followers page"
	logMessageTransport       = "transport failure fetching followers page"
	logMessageNoMoreFollowers = "no more followers found"
	logMessageListingMissing  = "follower listing markup not found"
	logMessageExtractionPanic = "unexpected failure processing followers page"
	logMessageExtractionError = "followers page could not be parsed"
	logMessageDebugDumpSaved  = "saved followers page for inspection"
	logMessageDebugDumpFailed = "could not save followers page for inspection"
	logMessageScrapeFinished  = "scrape finished"
	logFieldUsername          = "username"
	logFieldPage              = "page"
	logFieldStatus            = "status"
	logFieldPath              = "path"
	logFieldRecords           = "records"
	logFieldStopReason        = "stop_reason"
	logFieldPanic             = "panic"
)

// StopReason records why a scrape ended.
type StopReason string

const (
	// StopPageLimit means max pages were fetched.
	StopPageLimit StopReason = "page_limit"
	// StopNoNextPage means the last page had no next affordance.
	StopNoNextPage StopReason = "no_next_page"
	// StopEmptyPage means the listing was present but held no rows.
	StopEmptyPage StopReason = "empty_page"
	// StopListingMissing means no listing structure was found; usually upstream markup drift.
	StopListingMissing StopReason = "listing_missing"
	// StopNotFound means the page returned 404.
	StopNotFound StopReason = "not_found"
	// StopBlocked means the page returned another non-2xx status.
	StopBlocked StopReason = "blocked"
	// StopTransportError means the request never produced a response.
	StopTransportError StopReason = "transport_error"
	// StopExtractionFailure means the page could not be processed.
	StopExtractionFailure StopReason = "extraction_failure"
	// StopCancelled means the context ended during the politeness delay.
	StopCancelled StopReason = "cancelled"
)

// FollowerRecord is one follower found on a listing page.
type FollowerRecord struct {
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	ProfileURL  string  `json:"profile_url"`
}

// Result is a best-effort scrape: Records is always the prefix collected before StopReason fired.
type Result struct {
	Records      []FollowerRecord
	PagesFetched int
	StopReason   StopReason
}

// Config configures a Paginator.
type Config struct {
	BaseURL   string
	Fetcher   fetcher.PageFetcher
	Extractor markup.Extractor
	Headers   *pacing.HeaderRandomizer
	Throttle  *pacing.Throttle
	Delay     pacing.Bounds
	// DebugDumpDirectory receives the body of pages whose listing had no rows. Empty disables dumps.
	DebugDumpDirectory string
	Logger             *zap.Logger
}

// Paginator crawls follower listing pages for one user at a time.
type Paginator struct {
	baseURL            string
	pageFetcher        fetcher.PageFetcher
	extractor          markup.Extractor
	headers            *pacing.HeaderRandomizer
	throttle           *pacing.Throttle
	delay              pacing.Bounds
	debugDumpDirectory string
	logger             *zap.Logger
}

// NewPaginator constructs a Paginator. Fetcher is required; other fields fall back to defaults.
func NewPaginator(configuration Config) *Paginator {
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
		delay = pacing.PaginationBounds
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paginator{
		baseURL:            baseURL,
		pageFetcher:        configuration.Fetcher,
		extractor:          extractor,
		headers:            headers,
		throttle:           configuration.Throttle,
		delay:              delay,
		debugDumpDirectory: strings.TrimSpace(configuration.DebugDumpDirectory),
		logger:             logger,
	}
}

// Scrape crawls pages 1..maxPages of the user's followers and never fails; see Result.StopReason.
func (paginator *Paginator) Scrape(ctx context.Context, username string, maxPages int) Result {
	result := Result{Records: []FollowerRecord{}, StopReason: StopPageLimit}
	seenUsernames := make(map[string]struct{})

	for page := 1; page <= maxPages; page++ {
		paginator.logger.Info(logMessageScrapingPage, zap.String(logFieldUsername, username), zap.Int(logFieldPage, page))

		outcome := paginator.pageFetcher.Fetch(ctx, fetcher.Request{
			URL:    paginator.FollowersPageURL(username, page),
			Header: paginator.headers.Headers(),
		})
		result.PagesFetched++

		if stopReason, stop := paginator.classifyOutcome(outcome, username, page); stop {
			result.StopReason = stopReason
			break
		}

		pageRecords, hasNext, stopReason := paginator.processPage(outcome.Body, username, page)
		for _, record := range pageRecords {
			if _, seen := seenUsernames[record.Username]; seen {
				continue
			}
			seenUsernames[record.Username] = struct{}{}
			result.Records = append(result.Records, record)
		}
		if stopReason != "" {
			result.StopReason = stopReason
			break
		}
		if !hasNext {
			result.StopReason = StopNoNextPage
			break
		}
		if page == maxPages {
			break
		}

		if _, delayErr := paginator.throttle.Delay(ctx, paginator.delay); delayErr != nil {
			result.StopReason = StopCancelled
			break
		}
	}

	paginator.logger.Info(logMessageScrapeFinished,
		zap.String(logFieldUsername, username),
		zap.Int(logFieldRecords, len(result.Records)),
		zap.String(logFieldStopReason, string(result.StopReason)),
	)
	return result
}

// FollowersPageURL builds the listing URL for a page.
func (paginator *Paginator) FollowersPageURL(username string, page int) string {
	return paginator.baseURL + fmt.Sprintf(followersPagePathFormat, url.PathEscape(username), page)
}

func (paginator *Paginator) classifyOutcome(outcome fetcher.Outcome, username string, page int) (StopReason, bool) {
	switch outcome.Kind {
	case fetcher.OutcomeSuccess:
		return "", false
	case fetcher.OutcomeNotFound:
		paginator.logger.Warn(logMessageNotFound, zap.String(logFieldUsername, username), zap.Int(logFieldPage, page))
		return StopNotFound, true
	case fetcher.OutcomeServerOrBlocked:
		paginator.logger.Error(logMessageBlocked, zap.Int(logFieldPage, page), zap.Int(logFieldStatus, outcome.StatusCode))
		return StopBlocked, true
	default:
		paginator.logger.Error(logMessageTransport, zap.Int(logFieldPage, page), zap.Error(outcome.Err))
		return StopTransportError, true
	}
}

// processPage turns one listing body into records. A panic inside extraction ends the scrape instead of escaping.
func (paginator *Paginator) processPage(body []byte, username string, page int) (records []FollowerRecord, hasNext bool, stopReason StopReason) {
	defer func() {
		if recovered := recover(); recovered != nil {
			paginator.logger.Error(logMessageExtractionPanic, zap.Int(logFieldPage, page), zap.Any(logFieldPanic, recovered))
			hasNext = false
			stopReason = StopExtractionFailure
		}
	}()

	listing, err := paginator.extractor.FollowerListing(body)
	if err != nil {
		paginator.logger.Error(logMessageExtractionError, zap.Int(logFieldPage, page), zap.Error(err))
		return nil, false, StopExtractionFailure
	}

	if len(listing.Rows) == 0 {
		if listing.ListingFound {
			paginator.logger.Info(logMessageNoMoreFollowers, zap.String(logFieldUsername, username), zap.Int(logFieldPage, page))
			stopReason = StopEmptyPage
		} else {
			paginator.logger.Warn(logMessageListingMissing, zap.String(logFieldUsername, username), zap.Int(logFieldPage, page))
			stopReason = StopListingMissing
		}
		paginator.saveDebugDump(body, username, page)
		return nil, false, stopReason
	}

	records = make([]FollowerRecord, 0, len(listing.Rows))
	for _, row := range listing.Rows {
		if row.Handle == "" {
			continue
		}
		records = append(records, FollowerRecord{
			Username:    row.Handle,
			DisplayName: row.DisplayName,
			AvatarURL:   row.AvatarURL,
			ProfileURL:  paginator.baseURL + fmt.Sprintf(profilePathFormat, url.PathEscape(row.Handle)),
		})
	}
	return records, listing.HasNext, ""
}

func (paginator *Paginator) saveDebugDump(body []byte, username string, page int) {
	if paginator.debugDumpDirectory == "" {
		return
	}
	dumpPath := filepath.Join(paginator.debugDumpDirectory, fmt.Sprintf(debugDumpFileNameFormat, filepath.Base(username), page))
	if err := os.MkdirAll(paginator.debugDumpDirectory, debugDumpDirectoryMode); err != nil {
		paginator.logger.Warn(logMessageDebugDumpFailed, zap.String(logFieldPath, dumpPath), zap.Error(err))
		return
	}
	if err := os.WriteFile(dumpPath, body, debugDumpFileMode); err != nil {
		paginator.logger.Warn(logMessageDebugDumpFailed, zap.String(logFieldPath, dumpPath), zap.Error(err))
		return
	}
	paginator.logger.Info(logMessageDebugDumpSaved, zap.String(logFieldPath, dumpPath))
}
