package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/f-sync/followminer/internal/activity"
	"github.com/f-sync/followminer/internal/follow"
	"github.com/f-sync/followminer/internal/followers"
	"github.com/f-sync/followminer/internal/history"
)

const (
	analyzeRoutePath              = "/api/analyze"
	checkActivityRoutePath        = "/api/check_activity"
	activitySweepRoutePath        = "/api/check_activity/batch"
	activitySweepStatusRoutePath  = "/api/check_activity/batch/:id"
	followRoutePath               = "/api/follow"
	statsRoutePath                = "/api/stats"
	historyRoutePath              = "/api/history"
	historyLimitParameter         = "limit"
	healthRoutePath               = "/healthz"
	activitySweepIDParameter      = "id"
	responseKeyError              = "error"
	responseKeyStatus             = "status"
	responseKeyMessage            = "message"
	responseStatusSuccess         = "success"
	responseStatusError           = "error"
	healthStatusOK                = "ok"
	errMessageMissingMiner        = "router requires a miner"
	errorMessageUsernameRequired  = "Username is required"
	errorMessageUsernameMissing   = "Username required"
	errorMessageUsernamesRequired = "Usernames required"
	errorMessageMissingFollowArgs = "Missing username or cookies"
	errorMessageSweepNotFound     = "activity sweep not found"
	errorMessageBusy              = "server busy"
	errorMessageHistory           = "follow history unavailable"
	errorMessageHistoryDisabled   = "follow history disabled"
	messageFollowedFormat         = "Followed %s"
	messageFollowFailedFormat     = "Follow failed: %s"
	defaultMaxPages               = 2
	defaultMaxPagesCeiling        = 20
	defaultMaxConcurrentFlows     = 4
	defaultMaxSweepSize           = 200
	defaultMaxRetainedSweeps      = 50
	defaultHistoryLimit           = 50
	maxHistoryLimit               = 500
	logMessageAnalyze             = "analyze request"
	logMessageFollowAction        = "follow action"
	logMessageFollowDenied        = "follow denied"
	logMessageHistoryFailure      = "follow history failure"
	logMessageRecordFailure       = "follow succeeded but could not be recorded"
	logMessageSweepStarted        = "activity sweep started"
	logMessageSweepFinished       = "activity sweep finished"
	logMessageSweepPanic          = "unexpected failure during activity sweep"
	logMessageFlowRejected        = "flow slot unavailable"
	logFieldUsername              = "username"
	logFieldMaxPages              = "max_pages"
	logFieldTaskID                = "task_id"
	logFieldTotal                 = "total"
	logFieldSucceeded             = "succeeded"
	logFieldFailure               = "failure"
	logFieldStatus                = "status"
	logFieldPanic                 = "panic"
	ginModeRelease                = "release"
)

// Miner is the engine surface the HTTP layer calls.
type Miner interface {
	Scrape(ctx context.Context, username string, maxPages int) followers.Result
	Classify(ctx context.Context, username string) activity.Verdict
	Follow(ctx context.Context, username string, cookieString string) follow.Result
}

// FollowGate enforces the daily quota and follow history around follow actions.
type FollowGate interface {
	Admit(ctx context.Context, username string) error
	Record(ctx context.Context, username string) error
	FollowedToday(ctx context.Context) (int64, error)
	DailyLimit() int
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// RouterConfig configures the HTTP routing.
type RouterConfig struct {
	Miner Miner
	// Gate is optional; without it follow actions are neither limited nor recorded.
	Gate               FollowGate
	DefaultMaxPages    int
	MaxPagesCeiling    int
	MaxConcurrentFlows int64
	MaxSweepSize       int
	// MaxRetainedSweeps bounds how many finished sweeps stay queryable.
	MaxRetainedSweeps int
	// Context bounds background sweeps; cancelling it stops them.
	Context context.Context
	Logger  *zap.Logger
}

var errMissingMiner = errors.New(errMessageMissingMiner)

// NewRouter constructs a Gin engine with the mining, follow and health handlers.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Miner == nil {
		return nil, errMissingMiner
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultPages := configuration.DefaultMaxPages
	if defaultPages <= 0 {
		defaultPages = defaultMaxPages
	}
	pagesCeiling := configuration.MaxPagesCeiling
	if pagesCeiling <= 0 {
		pagesCeiling = defaultMaxPagesCeiling
	}
	if pagesCeiling < defaultPages {
		pagesCeiling = defaultPages
	}
	concurrentFlows := configuration.MaxConcurrentFlows
	if concurrentFlows <= 0 {
		concurrentFlows = defaultMaxConcurrentFlows
	}
	sweepSize := configuration.MaxSweepSize
	if sweepSize <= 0 {
		sweepSize = defaultMaxSweepSize
	}

	retainedSweeps := configuration.MaxRetainedSweeps
	if retainedSweeps <= 0 {
		retainedSweeps = defaultMaxRetainedSweeps
	}
	lifetime := configuration.Context
	if lifetime == nil {
		lifetime = context.Background()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := &miningHandler{
		miner:        configuration.Miner,
		gate:         configuration.Gate,
		defaultPages: defaultPages,
		pagesCeiling: pagesCeiling,
		sweepSize:    sweepSize,
		flows:        semaphore.NewWeighted(concurrentFlows),
		locks:        newCredentialLocks(),
		sweeps:       newActivitySweepTracker(retainedSweeps),
		lifetime:     lifetime,
		logger:       logger,
	}

	engine.POST(analyzeRoutePath, handler.analyze)
	engine.POST(checkActivityRoutePath, handler.checkActivity)
	engine.POST(activitySweepRoutePath, handler.startActivitySweep)
	engine.GET(activitySweepStatusRoutePath, handler.activitySweepStatus)
	engine.POST(followRoutePath, handler.follow)
	engine.GET(statsRoutePath, handler.stats)
	engine.GET(historyRoutePath, handler.followHistory)
	engine.GET(healthRoutePath, handler.healthStatus)

	return engine, nil
}

type miningHandler struct {
	miner        Miner
	gate         FollowGate
	defaultPages int
	pagesCeiling int
	sweepSize    int
	flows        *semaphore.Weighted
	locks        *credentialLocks
	sweeps       *activitySweepTracker
	lifetime     context.Context
	logger       *zap.Logger
}

type analyzeRequest struct {
	Username string `json:"username"`
	MaxPages int    `json:"max_pages"`
}

type usernameRequest struct {
	Username string `json:"username"`
}

type activitySweepRequest struct {
	Usernames []string `json:"usernames"`
}

type followRequest struct {
	Username string `json:"username"`
	Cookies  string `json:"cookies"`
}

func (handler *miningHandler) analyze(ginContext *gin.Context) {
	var payload analyzeRequest
	_ = ginContext.ShouldBindJSON(&payload)
	username := strings.TrimSpace(payload.Username)
	if username == "" {
		ginContext.JSON(http.StatusBadRequest, gin.H{responseKeyError: errorMessageUsernameRequired})
		return
	}
	maxPages := handler.defaultPages
	if payload.MaxPages > 0 {
		maxPages = min(payload.MaxPages, handler.pagesCeiling)
	}

	release, acquired := handler.acquireFlow(ginContext)
	if !acquired {
		return
	}
	defer release()

	handler.logger.Info(logMessageAnalyze, zap.String(logFieldUsername, username), zap.Int(logFieldMaxPages, maxPages))
	result := handler.miner.Scrape(ginContext.Request.Context(), username, maxPages)
	records := result.Records
	if records == nil {
		records = []followers.FollowerRecord{}
	}
	ginContext.JSON(http.StatusOK, gin.H{
		responseKeyStatus: responseStatusSuccess,
		"mined_users":     records,
		"pages_fetched":   result.PagesFetched,
		"stop_reason":     result.StopReason,
	})
}

func (handler *miningHandler) checkActivity(ginContext *gin.Context) {
	var payload usernameRequest
	_ = ginContext.ShouldBindJSON(&payload)
	username := strings.TrimSpace(payload.Username)
	if username == "" {
		ginContext.JSON(http.StatusBadRequest, gin.H{responseKeyError: errorMessageUsernameMissing})
		return
	}

	release, acquired := handler.acquireFlow(ginContext)
	if !acquired {
		return
	}
	defer release()

	verdict := handler.miner.Classify(ginContext.Request.Context(), username)
	ginContext.JSON(http.StatusOK, gin.H{
		"username":  username,
		"is_active": verdict.Active,
		"reason":    verdict.Reason,
		"heuristic": verdict.Heuristic,
	})
}

func (handler *miningHandler) startActivitySweep(ginContext *gin.Context) {
	var payload activitySweepRequest
	_ = ginContext.ShouldBindJSON(&payload)
	usernames := uniqueUsernames(payload.Usernames, handler.sweepSize)
	if len(usernames) == 0 {
		ginContext.JSON(http.StatusBadRequest, gin.H{responseKeyError: errorMessageUsernamesRequired})
		return
	}

	snapshot := handler.sweeps.CreateTask(usernames)
	handler.logger.Info(logMessageSweepStarted, zap.String(logFieldTaskID, snapshot.Identifier), zap.Int(logFieldTotal, snapshot.Total))
	go handler.runActivitySweep(handler.lifetime, snapshot.Identifier, usernames)

	ginContext.JSON(http.StatusAccepted, gin.H{"taskID": snapshot.Identifier, "total": snapshot.Total})
}

// runActivitySweep checks users one after another on a single flow slot.
// It runs outside gin's recovery, so it recovers on its own.
func (handler *miningHandler) runActivitySweep(ctx context.Context, taskIdentifier string, usernames []string) {
	status := activitySweepStatusCompleted
	defer func() {
		if recovered := recover(); recovered != nil {
			handler.logger.Error(logMessageSweepPanic, zap.String(logFieldTaskID, taskIdentifier), zap.Any(logFieldPanic, recovered))
			status = activitySweepStatusFailed
		}
		handler.sweeps.CompleteTask(taskIdentifier, status)
		handler.logger.Info(logMessageSweepFinished, zap.String(logFieldTaskID, taskIdentifier), zap.String(logFieldStatus, string(status)))
	}()

	if err := handler.flows.Acquire(ctx, 1); err != nil {
		status = activitySweepStatusCancelled
		return
	}
	defer handler.flows.Release(1)

	for _, username := range usernames {
		if ctx.Err() != nil {
			status = activitySweepStatusCancelled
			return
		}
		handler.sweeps.RecordVerdict(taskIdentifier, username, handler.miner.Classify(ctx, username))
	}
}

func (handler *miningHandler) activitySweepStatus(ginContext *gin.Context) {
	snapshot, exists := handler.sweeps.TaskSnapshot(ginContext.Param(activitySweepIDParameter))
	if !exists {
		ginContext.JSON(http.StatusNotFound, gin.H{responseKeyError: errorMessageSweepNotFound})
		return
	}
	ginContext.JSON(http.StatusOK, snapshot)
}

func (handler *miningHandler) follow(ginContext *gin.Context) {
	var payload followRequest
	_ = ginContext.ShouldBindJSON(&payload)
	username := strings.TrimSpace(payload.Username)
	if username == "" || strings.TrimSpace(payload.Cookies) == "" {
		ginContext.JSON(http.StatusBadRequest, gin.H{responseKeyError: errorMessageMissingFollowArgs})
		return
	}
	ctx := ginContext.Request.Context()

	unlock := handler.locks.Lock(payload.Cookies)
	defer unlock()

	if handler.gate != nil {
		if err := handler.gate.Admit(ctx, username); err != nil {
			if errors.Is(err, history.ErrDailyLimitReached) || errors.Is(err, history.ErrAlreadyFollowed) {
				handler.logger.Info(logMessageFollowDenied, zap.String(logFieldUsername, username), zap.Error(err))
				ginContext.JSON(http.StatusBadRequest, gin.H{responseKeyStatus: responseStatusError, responseKeyMessage: err.Error()})
				return
			}
			handler.logger.Error(logMessageHistoryFailure, zap.Error(err))
			ginContext.JSON(http.StatusInternalServerError, gin.H{responseKeyStatus: responseStatusError, responseKeyMessage: errorMessageHistory})
			return
		}
	}

	release, acquired := handler.acquireFlow(ginContext)
	if !acquired {
		return
	}
	defer release()

	result := handler.miner.Follow(ctx, username, payload.Cookies)
	handler.logger.Info(logMessageFollowAction,
		zap.String(logFieldUsername, username),
		zap.Bool(logFieldSucceeded, result.Succeeded),
		zap.String(logFieldFailure, string(result.Failure)),
	)
	if !result.Succeeded {
		ginContext.JSON(http.StatusInternalServerError, gin.H{
			responseKeyStatus:  responseStatusError,
			responseKeyMessage: fmt.Sprintf(messageFollowFailedFormat, result.Message),
			"failure":          result.Failure,
		})
		return
	}

	if handler.gate != nil {
		if err := handler.gate.Record(ctx, username); err != nil {
			handler.logger.Error(logMessageRecordFailure, zap.String(logFieldUsername, username), zap.Error(err))
		}
	}
	ginContext.JSON(http.StatusOK, gin.H{responseKeyStatus: responseStatusSuccess, responseKeyMessage: fmt.Sprintf(messageFollowedFormat, username)})
}

func (handler *miningHandler) stats(ginContext *gin.Context) {
	if handler.gate == nil {
		ginContext.JSON(http.StatusOK, gin.H{"followed_today": 0, "daily_limit": 0})
		return
	}
	followedToday, err := handler.gate.FollowedToday(ginContext.Request.Context())
	if err != nil {
		handler.logger.Error(logMessageHistoryFailure, zap.Error(err))
		ginContext.JSON(http.StatusInternalServerError, gin.H{responseKeyError: errorMessageHistory})
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"followed_today": followedToday, "daily_limit": handler.gate.DailyLimit()})
}

func (handler *miningHandler) followHistory(ginContext *gin.Context) {
	if handler.gate == nil {
		ginContext.JSON(http.StatusNotFound, gin.H{responseKeyError: errorMessageHistoryDisabled})
		return
	}
	limit := defaultHistoryLimit
	if requested, err := strconv.Atoi(ginContext.Query(historyLimitParameter)); err == nil && requested > 0 {
		limit = min(requested, maxHistoryLimit)
	}
	entries, err := handler.gate.Recent(ginContext.Request.Context(), limit)
	if err != nil {
		handler.logger.Error(logMessageHistoryFailure, zap.Error(err))
		ginContext.JSON(http.StatusInternalServerError, gin.H{responseKeyError: errorMessageHistory})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	ginContext.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (handler *miningHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{responseKeyStatus: healthStatusOK})
}

// acquireFlow takes one outbound flow slot, answering 503 when the request ends first.
func (handler *miningHandler) acquireFlow(ginContext *gin.Context) (func(), bool) {
	if err := handler.flows.Acquire(ginContext.Request.Context(), 1); err != nil {
		handler.logger.Warn(logMessageFlowRejected, zap.Error(err))
		ginContext.JSON(http.StatusServiceUnavailable, gin.H{responseKeyError: errorMessageBusy})
		return nil, false
	}
	return func() { handler.flows.Release(1) }, true
}

func uniqueUsernames(values []string, limit int) []string {
	seen := make(map[string]struct{}, len(values))
	usernames := make([]string, 0, len(values))
	for _, value := range values {
		username := strings.TrimSpace(value)
		if username == "" {
			continue
		}
		if _, duplicate := seen[username]; duplicate {
			continue
		}
		seen[username] = struct{}{}
		usernames = append(usernames, username)
		if len(usernames) == limit {
			break
		}
	}
	return usernames
}
