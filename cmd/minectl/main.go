package main

import (
	"context"
	"errors"
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
)

const (
	rootCommandUse                = "minectl"
	rootCommandShortDescription   = "Scrape followers, check activity and follow accounts from the terminal"
	scrapeCommandUse              = "scrape <username>"
	scrapeCommandShortDescription = "List the followers of a user"
	activeCommandUse              = "active [username...]"
	activeCommandShortDescription = "Classify users as active or inactive (reads stdin when no usernames are given)"
	followCommandUse              = "follow <username>"
	followCommandShortDescription = "Follow a user with a session cookie string"
	envPrefix                     = "FOLLOWMINER"
	flagBaseURLName               = "base-url"
	flagBaseURLDescription        = "Root URL of the upstream site"
	flagRequestTimeoutName        = "request-timeout"
	flagRequestTimeoutDescription = "Timeout for a single upstream request"
	flagNoDelayName               = "no-delay"
	flagNoDelayDescription        = "Disable politeness delays (testing only)"
	flagCSVName                   = "csv"
	flagCSVDescription            = "Write CSV output"
	flagJSONName                  = "json"
	flagJSONDescription           = "Write JSON lines output"
	flagDebugName                 = "debug"
	flagDebugDescription          = "Enable development logging on stderr"
	flagDebugDumpDirectoryName    = "debug-dump-dir"
	flagDebugDumpDirDescription   = "Directory receiving follower pages that yielded no rows"
	flagMaxPagesName              = "max-pages"
	flagMaxPagesDescription       = "Maximum follower pages to fetch"
	flagCookiesName               = "cookies"
	flagCookiesDescription        = "Session cookie string 'name=value; name2=value2' (or set FOLLOWMINER_COOKIES)"
	defaultRequestTimeout         = 30 * time.Second
	defaultMaxPages               = 2
	errMessageCookiesRequired     = "a session cookie string is required (--cookies or FOLLOWMINER_COOKIES)"
	errMessageUsernamesRequired   = "at least one username is required"
)

var (
	errCookiesRequired   = errors.New(errMessageCookiesRequired)
	errUsernamesRequired = errors.New(errMessageUsernamesRequired)
)

func main() {
	rootCommand := newRootCommand()
	applicationContext, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCommand.ExecuteContext(applicationContext); err != nil {
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:          rootCommandUse,
		Short:        rootCommandShortDescription,
		SilenceUsage: true,
	}

	persistentFlags := rootCommand.PersistentFlags()
	persistentFlags.String(flagBaseURLName, fetcher.DefaultBaseURL, flagBaseURLDescription)
	persistentFlags.Duration(flagRequestTimeoutName, defaultRequestTimeout, flagRequestTimeoutDescription)
	persistentFlags.Bool(flagNoDelayName, false, flagNoDelayDescription)
	persistentFlags.Bool(flagCSVName, false, flagCSVDescription)
	persistentFlags.Bool(flagJSONName, false, flagJSONDescription)
	persistentFlags.Bool(flagDebugName, false, flagDebugDescription)
	persistentFlags.String(flagDebugDumpDirectoryName, "", flagDebugDumpDirDescription)
	for _, flagName := range []string{
		flagBaseURLName, flagRequestTimeoutName, flagNoDelayName, flagCSVName,
		flagJSONName, flagDebugName, flagDebugDumpDirectoryName,
	} {
		cobra.CheckErr(viper.BindPFlag(flagName, persistentFlags.Lookup(flagName)))
	}

	rootCommand.AddCommand(newScrapeCommand(), newActiveCommand(), newFollowCommand())
	cobra.OnInitialize(configureEnvironment)
	return rootCommand
}

func newScrapeCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   scrapeCommandUse,
		Short: scrapeCommandShortDescription,
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			application, err := newApplication()
			if err != nil {
				return err
			}
			return application.RunScrape(command.Context(), strings.TrimSpace(arguments[0]), viper.GetInt(flagMaxPagesName))
		},
	}
	command.Flags().Int(flagMaxPagesName, defaultMaxPages, flagMaxPagesDescription)
	cobra.CheckErr(viper.BindPFlag(flagMaxPagesName, command.Flags().Lookup(flagMaxPagesName)))
	return command
}

func newActiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   activeCommandUse,
		Short: activeCommandShortDescription,
		RunE: func(command *cobra.Command, arguments []string) error {
			usernames := CollectUsernames(arguments)
			if len(usernames) == 0 {
				stdinUsernames, err := ReadUsernames(command.InOrStdin())
				if err != nil {
					return err
				}
				usernames = stdinUsernames
			}
			if len(usernames) == 0 {
				return errUsernamesRequired
			}
			application, err := newApplication()
			if err != nil {
				return err
			}
			return application.RunActive(command.Context(), usernames)
		},
	}
}

func newFollowCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   followCommandUse,
		Short: followCommandShortDescription,
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			cookieString := strings.TrimSpace(viper.GetString(flagCookiesName))
			if cookieString == "" {
				return errCookiesRequired
			}
			application, err := newApplication()
			if err != nil {
				return err
			}
			return application.RunFollow(command.Context(), strings.TrimSpace(arguments[0]), cookieString)
		},
	}
	command.Flags().String(flagCookiesName, "", flagCookiesDescription)
	cobra.CheckErr(viper.BindPFlag(flagCookiesName, command.Flags().Lookup(flagCookiesName)))
	return command
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newApplication() (Application, error) {
	format, err := DetermineOutputFormat(viper.GetBool(flagCSVName), viper.GetBool(flagJSONName))
	if err != nil {
		return Application{}, err
	}
	dependencies := Dependencies{
		BuildMiner: buildEngine,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}
	return NewApplicationWithDependencies(dependencies, format), nil
}

func buildEngine() (Miner, error) {
	logger, err := newLogger(viper.GetBool(flagDebugName))
	if err != nil {
		return nil, err
	}
	miner, err := engine.New(engine.Config{
		BaseURL:            viper.GetString(flagBaseURLName),
		RequestTimeout:     viper.GetDuration(flagRequestTimeoutName),
		DelaysDisabled:     viper.GetBool(flagNoDelayName),
		DebugDumpDirectory: viper.GetString(flagDebugDumpDirectoryName),
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	return miner, nil
}

// newLogger keeps warnings on stderr so stdout stays machine readable.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	configuration := zap.NewProductionConfig()
	configuration.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return configuration.Build()
}
