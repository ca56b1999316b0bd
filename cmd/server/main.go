package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/f-sync/followminer/internal/engine"
	"github.com/f-sync/followminer/internal/fetcher"
	"github.com/f-sync/followminer/internal/history"
	"github.com/f-sync/followminer/internal/server"
)

const (
	commandUse                        = "server"
	commandShortDescription           = "Serve follower mining and follow actions over HTTP"
	envPrefix                         = "FOLLOWMINER"
	flagHostName                      = "host"
	flagHostDescription               = "Host interface for the HTTP server"
	flagPortName                      = "port"
	flagPortDescription               = "Port for the HTTP server"
	flagBaseURLName                   = "base-url"
	flagBaseURLDescription            = "Root URL of the upstream site"
	flagRequestTimeoutName            = "request-timeout"
	flagRequestTimeoutDescription     = "Timeout for a single upstream request"
	flagNoDelayName                   = "no-delay"
	flagNoDelayDescription            = "Disable politeness delays (testing only)"
	flagMaxPagesName                  = "max-pages"
	flagMaxPagesDescription           = "Default follower pages fetched by /api/analyze"
	flagDailyLimitName                = "daily-limit"
	flagDailyLimitDescription         = "Maximum follow actions per UTC day"
	flagHistoryBackendName            = "history-backend"
	flagHistoryBackendDescription     = "Follow history backend: sqlite, mongo or none"
	flagHistoryPathName               = "history-path"
	flagHistoryPathDescription        = "SQLite file for the follow history"
	flagMongoURIName                  = "mongo-uri"
	flagMongoURIDescription           = "MongoDB connection string for the mongo history backend"
	flagMongoDatabaseName             = "mongo-database"
	flagMongoDatabaseDescription      = "MongoDB database for the mongo history backend"
	flagMaxConcurrentFlowsName        = "max-concurrent-flows"
	flagMaxConcurrentFlowsDescription = "Maximum simultaneous outbound scrape, activity and follow flows"
	flagDebugDumpDirectoryName        = "debug-dump-dir"
	flagDebugDumpDirectoryDescription = "Directory receiving follower pages that yielded no rows"
	flagDebugName                     = "debug"
	flagDebugDescription              = "Enable development logging"
	defaultHost                       = "127.0.0.1"
	defaultPort                       = 5000
	defaultRequestTimeout             = 30 * time.Second
	defaultMaxPages                   = 2
	defaultMaxConcurrentFlows         = 4
	defaultHistoryPath                = "network_manager.db"
	defaultMongoDatabase              = "followminer"
	historyBackendSQLite              = "sqlite"
	historyBackendMongo               = "mongo"
	historyBackendNone                = "none"
	shutdownTimeout                   = 10 * time.Second
	errMessageLoggerCreate            = "create logger"
	errMessageEngineCreate            = "create engine"
	errMessageHistoryOpen             = "open follow history"
	errMessageUnknownHistoryBackend   = "unknown history backend"
	errMessageMongoURIRequired        = "mongo history backend requires --mongo-uri"
	errMessageListenAndServe          = "listen and serve"
	logMessageStartingServer          = "starting HTTP server"
	logMessageServerStopped           = "server stopped"
	logMessageListenError             = "server listen failure"
	logMessageShutdown                = "shutting down"
	logMessageHistoryDisabled         = "follow history disabled; daily limit not enforced"
	logMessageHistoryBackend          = "follow history ready"
	logMessageHistoryCloseFailure     = "follow history close failure"
	logFieldAddress                   = "address"
	logFieldBackend                   = "backend"
	logFieldDailyLimit                = "daily_limit"
)

var errMongoURIRequired = errors.New(errMessageMongoURIRequired)

func main() {
	cobra.CheckErr(newServerCommand().Execute())
}

func newServerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runServerCommand,
	}

	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	command.Flags().String(flagBaseURLName, fetcher.DefaultBaseURL, flagBaseURLDescription)
	command.Flags().Duration(flagRequestTimeoutName, defaultRequestTimeout, flagRequestTimeoutDescription)
	command.Flags().Bool(flagNoDelayName, false, flagNoDelayDescription)
	command.Flags().Int(flagMaxPagesName, defaultMaxPages, flagMaxPagesDescription)
	command.Flags().Int(flagDailyLimitName, history.DefaultDailyLimit, flagDailyLimitDescription)
	command.Flags().String(flagHistoryBackendName, historyBackendSQLite, flagHistoryBackendDescription)
	command.Flags().String(flagHistoryPathName, defaultHistoryPath, flagHistoryPathDescription)
	command.Flags().String(flagMongoURIName, "", flagMongoURIDescription)
	command.Flags().String(flagMongoDatabaseName, defaultMongoDatabase, flagMongoDatabaseDescription)
	command.Flags().Int64(flagMaxConcurrentFlowsName, defaultMaxConcurrentFlows, flagMaxConcurrentFlowsDescription)
	command.Flags().String(flagDebugDumpDirectoryName, "", flagDebugDumpDirectoryDescription)
	command.Flags().Bool(flagDebugName, false, flagDebugDescription)

	for _, flagName := range []string{
		flagHostName, flagPortName, flagBaseURLName, flagRequestTimeoutName, flagNoDelayName,
		flagMaxPagesName, flagDailyLimitName, flagHistoryBackendName, flagHistoryPathName,
		flagMongoURIName, flagMongoDatabaseName, flagMaxConcurrentFlowsName,
		flagDebugDumpDirectoryName, flagDebugName,
	} {
		bindFlagToViper(command, flagName)
	}

	cobra.OnInitialize(configureEnvironment)

	return command
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServerCommand(command *cobra.Command, _ []string) error {
	logger, err := newLogger(viper.GetBool(flagDebugName))
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	miner, err := engine.New(engine.Config{
		BaseURL:            viper.GetString(flagBaseURLName),
		RequestTimeout:     viper.GetDuration(flagRequestTimeoutName),
		DelaysDisabled:     viper.GetBool(flagNoDelayName),
		DebugDumpDirectory: viper.GetString(flagDebugDumpDirectoryName),
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageEngineCreate, err)
	}

	store, err := openHistoryStore(ctx, viper.GetString(flagHistoryBackendName))
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageHistoryOpen, err)
	}
	configuration := server.RouterConfig{
		Miner:              miner,
		DefaultMaxPages:    viper.GetInt(flagMaxPagesName),
		MaxConcurrentFlows: viper.GetInt64(flagMaxConcurrentFlowsName),
		Context:            ctx,
		Logger:             logger,
	}
	if store == nil {
		logger.Warn(logMessageHistoryDisabled)
	} else {
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				logger.Warn(logMessageHistoryCloseFailure, zap.Error(closeErr))
			}
		}()
		configuration.Gate = history.NewGate(history.GateConfig{
			Store:      store,
			DailyLimit: viper.GetInt(flagDailyLimitName),
			Logger:     logger,
		})
		logger.Info(logMessageHistoryBackend,
			zap.String(logFieldBackend, viper.GetString(flagHistoryBackendName)),
			zap.Int(logFieldDailyLimit, viper.GetInt(flagDailyLimitName)),
		)
	}

	router, err := server.NewRouter(configuration)
	if err != nil {
		return err
	}

	address := fmt.Sprintf("%s:%d", viper.GetString(flagHostName), viper.GetInt(flagPortName))
	logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))

	httpServer := &http.Server{Addr: address, Handler: router}
	go func() {
		<-ctx.Done()
		logger.Info(logMessageShutdown)
		shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownContext)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(logMessageListenError, zap.Error(err))
		return fmt.Errorf("%s: %w", errMessageListenAndServe, err)
	}

	logger.Info(logMessageServerStopped)
	return nil
}

// openHistoryStore returns nil for the none backend.
func openHistoryStore(ctx context.Context, backend string) (history.Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case historyBackendSQLite, "":
		return history.OpenSQLiteStore(viper.GetString(flagHistoryPathName))
	case historyBackendMongo:
		uri := strings.TrimSpace(viper.GetString(flagMongoURIName))
		if uri == "" {
			return nil, errMongoURIRequired
		}
		return history.OpenMongoStore(ctx, uri, viper.GetString(flagMongoDatabaseName))
	case historyBackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s: %s", errMessageUnknownHistoryBackend, backend)
	}
}
