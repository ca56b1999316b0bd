package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/f-sync/followminer/internal/activity"
	"github.com/f-sync/followminer/internal/follow"
	"github.com/f-sync/followminer/internal/followers"
)

const (
	csvHeaderUsername              = "username"
	csvHeaderDisplayName           = "display_name"
	csvHeaderAvatarURL             = "avatar_url"
	csvHeaderProfileURL            = "profile_url"
	csvHeaderIsActive              = "is_active"
	csvHeaderReason                = "reason"
	csvHeaderSucceeded             = "succeeded"
	csvHeaderMessage               = "message"
	csvHeaderFailure               = "failure"
	activeLabel                    = "active"
	inactiveLabel                  = "inactive"
	scrapeSummaryFormat            = "%d followers from %d pages (stopped: %s)\n"
	errMessageOutputFormatConflict = "cannot specify both --csv and --json"
	errMessageBuildMiner           = "create engine"
	errMessageWriteCSV             = "write CSV output"
	errMessageFollowFailed         = "follow failed"
	errMessageScrapeAborted        = "scrape aborted"
)

var errOutputFormatConflict = errors.New(errMessageOutputFormatConflict)

// OutputFormat selects how command results are written.
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatCSV  OutputFormat = "csv"
	OutputFormatJSON OutputFormat = "json"
)

// Miner is the engine surface the command line drives.
type Miner interface {
	Scrape(ctx context.Context, username string, maxPages int) followers.Result
	Classify(ctx context.Context, username string) activity.Verdict
	Follow(ctx context.Context, username string, cookieString string) follow.Result
}

// Dependencies lets tests replace the engine and output streams.
type Dependencies struct {
	BuildMiner func() (Miner, error)
	Stdout     io.Writer
	Stderr     io.Writer
}

// Application runs one command against a freshly built miner.
type Application struct {
	dependencies Dependencies
	format       OutputFormat
}

type activityOutput struct {
	Username  string          `json:"username"`
	Active    bool            `json:"is_active"`
	Reason    activity.Reason `json:"reason"`
	Heuristic string          `json:"heuristic"`
}

type followOutput struct {
	Username  string             `json:"username"`
	Succeeded bool               `json:"succeeded"`
	Message   string             `json:"message"`
	Failure   follow.FailureKind `json:"failure,omitempty"`
}

// NewApplicationWithDependencies fills unset streams with the process streams.
func NewApplicationWithDependencies(dependencies Dependencies, format OutputFormat) Application {
	if dependencies.Stdout == nil {
		dependencies.Stdout = os.Stdout
	}
	if dependencies.Stderr == nil {
		dependencies.Stderr = os.Stderr
	}
	if format == "" {
		format = OutputFormatText
	}
	return Application{dependencies: dependencies, format: format}
}

// DetermineOutputFormat resolves the mutually exclusive output flags.
func DetermineOutputFormat(csvRequested bool, jsonRequested bool) (OutputFormat, error) {
	if csvRequested && jsonRequested {
		return "", errOutputFormatConflict
	}
	if csvRequested {
		return OutputFormatCSV, nil
	}
	if jsonRequested {
		return OutputFormatJSON, nil
	}
	return OutputFormatText, nil
}

// RunScrape writes the followers of username and reports why pagination stopped.
func (application Application) RunScrape(ctx context.Context, username string, maxPages int) error {
	miner, err := application.buildMiner()
	if err != nil {
		return err
	}
	result := miner.Scrape(ctx, username, maxPages)

	switch application.format {
	case OutputFormatCSV:
		rows := make([][]string, 0, len(result.Records))
		for _, record := range result.Records {
			rows = append(rows, []string{record.Username, record.DisplayName, optionalString(record.AvatarURL), record.ProfileURL})
		}
		if err := application.writeCSV([]string{csvHeaderUsername, csvHeaderDisplayName, csvHeaderAvatarURL, csvHeaderProfileURL}, rows); err != nil {
			return err
		}
	case OutputFormatJSON:
		encoder := application.newJSONEncoder()
		for _, record := range result.Records {
			_ = encoder.Encode(record)
		}
	default:
		for _, record := range result.Records {
			if record.DisplayName != "" && record.DisplayName != record.Username {
				fmt.Fprintf(application.dependencies.Stdout, "%s (%s) %s\n", record.Username, record.DisplayName, record.ProfileURL)
				continue
			}
			fmt.Fprintf(application.dependencies.Stdout, "%s %s\n", record.Username, record.ProfileURL)
		}
	}

	fmt.Fprintf(application.dependencies.Stderr, scrapeSummaryFormat, len(result.Records), result.PagesFetched, result.StopReason)
	if result.StopReason == followers.StopCancelled {
		return fmt.Errorf("%s: %s", errMessageScrapeAborted, result.StopReason)
	}
	return nil
}

// RunActive classifies each username in order.
func (application Application) RunActive(ctx context.Context, usernames []string) error {
	miner, err := application.buildMiner()
	if err != nil {
		return err
	}

	outputs := make([]activityOutput, 0, len(usernames))
	for _, username := range usernames {
		if ctx.Err() != nil {
			break
		}
		verdict := miner.Classify(ctx, username)
		outputs = append(outputs, activityOutput{
			Username:  username,
			Active:    verdict.Active,
			Reason:    verdict.Reason,
			Heuristic: verdict.Heuristic,
		})
	}

	switch application.format {
	case OutputFormatCSV:
		rows := make([][]string, 0, len(outputs))
		for _, output := range outputs {
			rows = append(rows, []string{output.Username, strconv.FormatBool(output.Active), string(output.Reason)})
		}
		if err := application.writeCSV([]string{csvHeaderUsername, csvHeaderIsActive, csvHeaderReason}, rows); err != nil {
			return err
		}
	case OutputFormatJSON:
		encoder := application.newJSONEncoder()
		for _, output := range outputs {
			_ = encoder.Encode(output)
		}
	default:
		for _, output := range outputs {
			label := inactiveLabel
			if output.Active {
				label = activeLabel
			}
			fmt.Fprintf(application.dependencies.Stdout, "%s: %s (%s)\n", output.Username, label, output.Reason)
		}
	}
	return ctx.Err()
}

// RunFollow performs one follow action and fails when the site did not confirm it.
func (application Application) RunFollow(ctx context.Context, username string, cookieString string) error {
	miner, err := application.buildMiner()
	if err != nil {
		return err
	}
	result := miner.Follow(ctx, username, cookieString)
	output := followOutput{Username: username, Succeeded: result.Succeeded, Message: result.Message, Failure: result.Failure}

	switch application.format {
	case OutputFormatCSV:
		row := []string{output.Username, strconv.FormatBool(output.Succeeded), output.Message, string(output.Failure)}
		if err := application.writeCSV([]string{csvHeaderUsername, csvHeaderSucceeded, csvHeaderMessage, csvHeaderFailure}, [][]string{row}); err != nil {
			return err
		}
	case OutputFormatJSON:
		_ = application.newJSONEncoder().Encode(output)
	default:
		if output.Succeeded {
			fmt.Fprintf(application.dependencies.Stdout, "%s: %s\n", output.Username, output.Message)
		} else {
			fmt.Fprintf(application.dependencies.Stdout, "%s: %s [%s]\n", output.Username, output.Message, output.Failure)
		}
	}

	if !result.Succeeded {
		return fmt.Errorf("%s: %s", errMessageFollowFailed, result.Failure)
	}
	return nil
}

func (application Application) buildMiner() (Miner, error) {
	miner, err := application.dependencies.BuildMiner()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageBuildMiner, err)
	}
	return miner, nil
}

func (application Application) writeCSV(header []string, rows [][]string) error {
	writer := csv.NewWriter(application.dependencies.Stdout)
	_ = writer.Write(header)
	_ = writer.WriteAll(rows)
	if err := writer.Error(); err != nil {
		return fmt.Errorf("%s: %w", errMessageWriteCSV, err)
	}
	return nil
}

func (application Application) newJSONEncoder() *json.Encoder {
	encoder := json.NewEncoder(application.dependencies.Stdout)
	encoder.SetEscapeHTML(false)
	return encoder
}

func optionalString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// CollectUsernames trims arguments and drops empty ones.
func CollectUsernames(arguments []string) []string {
	usernames := make([]string, 0, len(arguments))
	for _, argument := range arguments {
		trimmed := strings.TrimSpace(argument)
		if trimmed == "" {
			continue
		}
		usernames = append(usernames, trimmed)
	}
	return usernames
}

// ReadUsernames reads one username per line.
func ReadUsernames(reader io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(reader)
	usernames := []string{}
	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" {
			continue
		}
		usernames = append(usernames, trimmed)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return usernames, nil
}
