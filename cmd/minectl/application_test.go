package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	minectl "github.com/f-sync/followminer/cmd/minectl"
	"github.com/f-sync/followminer/internal/activity"
	"github.com/f-sync/followminer/internal/follow"
	"github.com/f-sync/followminer/internal/followers"
)

type stubMiner struct {
	scrapeResult followers.Result
	verdicts     map[string]activity.Verdict
	followResult follow.Result
	classified   []string
}

func (miner *stubMiner) Scrape(_ context.Context, _ string, _ int) followers.Result {
	return miner.scrapeResult
}

func (miner *stubMiner) Classify(_ context.Context, username string) activity.Verdict {
	miner.classified = append(miner.classified, username)
	return miner.verdicts[username]
}

func (miner *stubMiner) Follow(_ context.Context, _ string, _ string) follow.Result {
	return miner.followResult
}

func newTestApplication(miner *stubMiner, format minectl.OutputFormat) (minectl.Application, *bytes.Buffer, *bytes.Buffer) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	application := minectl.NewApplicationWithDependencies(minectl.Dependencies{
		BuildMiner: func() (minectl.Miner, error) { return miner, nil },
		Stdout:     stdout,
		Stderr:     stderr,
	}, format)
	return application, stdout, stderr
}

func TestDetermineOutputFormat(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		csvRequested   bool
		jsonRequested  bool
		expectedFormat minectl.OutputFormat
		expectError    bool
	}{
		{name: "text by default", expectedFormat: minectl.OutputFormatText},
		{name: "csv", csvRequested: true, expectedFormat: minectl.OutputFormatCSV},
		{name: "json", jsonRequested: true, expectedFormat: minectl.OutputFormatJSON},
		{name: "conflict", csvRequested: true, jsonRequested: true, expectError: true},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			format, err := minectl.DetermineOutputFormat(testCase.csvRequested, testCase.jsonRequested)
			if testCase.expectError {
				if err == nil {
					t.Fatalf("expected an error for conflicting formats")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if format != testCase.expectedFormat {
				t.Fatalf("expected %s, got %s", testCase.expectedFormat, format)
			}
		})
	}
}

func TestRunScrapeWritesRecordsInEachFormat(t *testing.T) {
	t.Parallel()

	avatar := "https://img.example/bob.jpg"
	scrapeResult := followers.Result{
		Records: []followers.FollowerRecord{
			{Username: "alice", DisplayName: "Alice A", ProfileURL: "https://letterboxd.com/alice/"},
			{Username: "bob", DisplayName: "bob", AvatarURL: &avatar, ProfileURL: "https://letterboxd.com/bob/"},
		},
		PagesFetched: 1,
		StopReason:   followers.StopNoNextPage,
	}

	testCases := []struct {
		name           string
		format         minectl.OutputFormat
		expectedStdout string
	}{
		{
			name:           "text",
			format:         minectl.OutputFormatText,
			expectedStdout: "alice (Alice A) https://letterboxd.com/alice/\nbob https://letterboxd.com/bob/\n",
		},
		{
			name:   "csv",
			format: minectl.OutputFormatCSV,
			expectedStdout: "username,display_name,avatar_url,profile_url\n" +
				"alice,Alice A,,https://letterboxd.com/alice/\n" +
				"bob,bob,https://img.example/bob.jpg,https://letterboxd.com/bob/\n",
		},
		{
			name:   "json",
			format: minectl.OutputFormatJSON,
			expectedStdout: `{"username":"alice","display_name":"Alice A","avatar_url":null,"profile_url":"https://letterboxd.com/alice/"}` + "\n" +
				`{"username":"bob","display_name":"bob","avatar_url":"https://img.example/bob.jpg","profile_url":"https://letterboxd.com/bob/"}` + "\n",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			application, stdout, stderr := newTestApplication(&stubMiner{scrapeResult: scrapeResult}, testCase.format)
			if err := application.RunScrape(context.Background(), "target", 2); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stdout.String() != testCase.expectedStdout {
				t.Fatalf("unexpected stdout:\n%s", stdout.String())
			}
			if !strings.Contains(stderr.String(), string(followers.StopNoNextPage)) {
				t.Fatalf("expected stop reason in summary, got %q", stderr.String())
			}
		})
	}
}

func TestRunScrapeReportsCancellation(t *testing.T) {
	t.Parallel()

	application, _, _ := newTestApplication(&stubMiner{scrapeResult: followers.Result{Records: []followers.FollowerRecord{}, StopReason: followers.StopCancelled}}, minectl.OutputFormatText)
	if err := application.RunScrape(context.Background(), "target", 2); err == nil {
		t.Fatalf("expected cancelled scrape to fail")
	}
}

func TestRunActivePreservesOrder(t *testing.T) {
	t.Parallel()

	miner := &stubMiner{verdicts: map[string]activity.Verdict{
		"alice": {Active: true, Reason: activity.ReasonRecentActivityPresent, Heuristic: activity.Heuristic},
		"bob":   {Active: false, Reason: activity.ReasonProfileUnreachable, Heuristic: activity.Heuristic},
	}}
	application, stdout, _ := newTestApplication(miner, minectl.OutputFormatJSON)

	if err := application.RunActive(context.Background(), []string{"bob", "alice"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoder := json.NewDecoder(stdout)
	var usernames []string
	for decoder.More() {
		var line struct {
			Username string `json:"username"`
			Active   bool   `json:"is_active"`
		}
		if err := decoder.Decode(&line); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if line.Active != (line.Username == "alice") {
			t.Fatalf("unexpected verdict for %s", line.Username)
		}
		usernames = append(usernames, line.Username)
	}
	if strings.Join(usernames, ",") != "bob,alice" {
		t.Fatalf("unexpected output order %v", usernames)
	}
}

func TestRunFollowFailsWhenSiteRejects(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		result         follow.Result
		expectError    bool
		expectedStdout string
	}{
		{
			name:           "followed",
			result:         follow.Result{Succeeded: true, Message: "Followed"},
			expectedStdout: "target: Followed\n",
		},
		{
			name:           "session expired",
			result:         follow.Result{Message: "Session expired/invalid (Not logged in)", Failure: follow.FailureSessionExpired},
			expectError:    true,
			expectedStdout: "target: Session expired/invalid (Not logged in) [session_expired]\n",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			application, stdout, _ := newTestApplication(&stubMiner{followResult: testCase.result}, minectl.OutputFormatText)
			err := application.RunFollow(context.Background(), "target", "sessionid=x")
			if testCase.expectError != (err != nil) {
				t.Fatalf("unexpected error state: %v", err)
			}
			if stdout.String() != testCase.expectedStdout {
				t.Fatalf("unexpected stdout %q", stdout.String())
			}
		})
	}
}

func TestRunPropagatesMinerConstructionFailure(t *testing.T) {
	t.Parallel()

	constructionErr := errors.New("broken selectors")
	application := minectl.NewApplicationWithDependencies(minectl.Dependencies{
		BuildMiner: func() (minectl.Miner, error) { return nil, constructionErr },
		Stdout:     &bytes.Buffer{},
		Stderr:     &bytes.Buffer{},
	}, minectl.OutputFormatText)

	if err := application.RunActive(context.Background(), []string{"alice"}); !errors.Is(err, constructionErr) {
		t.Fatalf("expected construction error, got %v", err)
	}
}

func TestReadUsernamesSkipsBlankLines(t *testing.T) {
	t.Parallel()

	usernames, err := minectl.ReadUsernames(strings.NewReader("alice\n\n  bob  \n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(usernames, ",") != "alice,bob" {
		t.Fatalf("unexpected usernames %v", usernames)
	}
	if collected := minectl.CollectUsernames([]string{" ", "carol"}); len(collected) != 1 || collected[0] != "carol" {
		t.Fatalf("unexpected collected usernames %v", collected)
	}
}
