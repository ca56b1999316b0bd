// Package markup isolates every assumption about the upstream page structure.
// Structural drift on the site should only ever require changes to Selectors.
package markup

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const (
	attributeHref          = "href"
	attributeSrc           = "src"
	handlePathSeparators   = "/"
	errMessageParseHTML    = "parse html"
	errMessageSelectorName = "selector %s"
	quoteCharacters        = `'"`
	maxTokenLineBytes      = 1024 * 1024
)

// Selectors lists the locator candidates and text markers for one upstream site layout.
// Each locator list accepts "css:"/"xpath:" prefixed entries; unprefixed entries are CSS.
type Selectors struct {
	Listing        []string
	Rows           []string
	Avatar         []string
	HandleLink     []string
	NextPage       []string
	RecentActivity []string

	SignInMarker        string
	AuthenticatedMarker string
	TokenMarker         string
}

// DefaultSelectors describes the current follower listing and profile layout.
func DefaultSelectors() Selectors {
	return Selectors{
		Listing: []string{
			"table.member-table",
			"xpath://table[contains(concat(' ', normalize-space(@class), ' '), ' member-table ')]",
		},
		Rows: []string{
			"table.member-table tbody tr",
			"xpath://table[contains(concat(' ', normalize-space(@class), ' '), ' member-table ')]//tr[td]",
		},
		Avatar:         []string{".table-person .person-summary a.avatar img"},
		HandleLink:     []string{".table-person .person-summary h3.title-3 a.name"},
		NextPage:       []string{".paginate-nextprev .next"},
		RecentActivity: []string{"#recent-activity"},

		SignInMarker:        "Sign in",
		AuthenticatedMarker: "person",
		TokenMarker:         "supermodelCSRF",
	}
}

// Row is one follower row as found in listing markup.
// A row whose handle link is missing has an empty Handle and is skipped by callers.
type Row struct {
	Handle      string
	DisplayName string
	AvatarURL   *string
}

// Listing is the extraction result for one follower listing page.
// ListingFound distinguishes an empty listing from markup that no longer matches the selectors.
type Listing struct {
	ListingFound bool
	Rows         []Row
	HasNext      bool
}

// SessionState carries the two text markers used to guess whether a page was rendered for a signed-in user.
type SessionState struct {
	SignInPrompt        bool
	AuthenticatedMarker bool
}

// LoggedOut is a heuristic: a sign-in prompt with no authenticated marker anywhere on the page.
func (state SessionState) LoggedOut() bool {
	return state.SignInPrompt && !state.AuthenticatedMarker
}

// Extractor locates structured data in upstream pages.
type Extractor interface {
	FollowerListing(body []byte) (Listing, error)
	RecentActivity(body []byte) (bool, error)
	SessionState(body []byte) SessionState
	AntiForgeryToken(body []byte) (string, bool)
}

// HTMLExtractor implements Extractor over golang.org/x/net/html trees.
type HTMLExtractor struct {
	listing        Candidates
	rows           Candidates
	avatar         Candidates
	handleLink     Candidates
	nextPage       Candidates
	recentActivity Candidates

	signInMarker        string
	authenticatedMarker string
	tokenMarker         string
}

var _ Extractor = (*HTMLExtractor)(nil)

// NewHTMLExtractor compiles selectors into an HTMLExtractor.
func NewHTMLExtractor(selectors Selectors) (*HTMLExtractor, error) {
	extractor := &HTMLExtractor{
		signInMarker:        selectors.SignInMarker,
		authenticatedMarker: selectors.AuthenticatedMarker,
		tokenMarker:         selectors.TokenMarker,
	}

	compileTargets := []struct {
		name   string
		values []string
		target *Candidates
	}{
		{name: "listing", values: selectors.Listing, target: &extractor.listing},
		{name: "rows", values: selectors.Rows, target: &extractor.rows},
		{name: "avatar", values: selectors.Avatar, target: &extractor.avatar},
		{name: "handle link", values: selectors.HandleLink, target: &extractor.handleLink},
		{name: "next page", values: selectors.NextPage, target: &extractor.nextPage},
		{name: "recent activity", values: selectors.RecentActivity, target: &extractor.recentActivity},
	}
	for _, compileTarget := range compileTargets {
		candidates, err := ParseCandidates(compileTarget.values)
		if err != nil {
			return nil, fmt.Errorf(errMessageSelectorName+": %w", compileTarget.name, err)
		}
		*compileTarget.target = candidates
	}
	return extractor, nil
}

// MustDefaultExtractor returns an extractor for DefaultSelectors and panics if they fail to compile.
func MustDefaultExtractor() *HTMLExtractor {
	extractor, err := NewHTMLExtractor(DefaultSelectors())
	if err != nil {
		panic(err)
	}
	return extractor
}

// FollowerListing extracts follower rows and the next-page affordance.
func (extractor *HTMLExtractor) FollowerListing(body []byte) (Listing, error) {
	document, err := parseDocument(body)
	if err != nil {
		return Listing{}, err
	}

	listing := Listing{}
	_, listing.ListingFound = extractor.listing.FindFirst(document)
	for _, rowNode := range extractor.rows.FindAll(document) {
		listing.Rows = append(listing.Rows, extractor.extractRow(rowNode))
	}
	_, listing.HasNext = extractor.nextPage.FindFirst(document)
	return listing, nil
}

// RecentActivity reports whether the recent-activity region exists anywhere in the page.
func (extractor *HTMLExtractor) RecentActivity(body []byte) (bool, error) {
	document, err := parseDocument(body)
	if err != nil {
		return false, err
	}
	_, found := extractor.recentActivity.FindFirst(document)
	return found, nil
}

// SessionState checks the raw page text for the sign-in and authenticated markers.
func (extractor *HTMLExtractor) SessionState(body []byte) SessionState {
	return SessionState{
		SignInPrompt:        extractor.signInMarker != "" && bytes.Contains(body, []byte(extractor.signInMarker)),
		AuthenticatedMarker: extractor.authenticatedMarker != "" && bytes.Contains(body, []byte(extractor.authenticatedMarker)),
	}
}

// AntiForgeryToken scans line by line for the token marker and returns the first quoted literal after it.
// Lines holding the marker without a complete quoted literal are skipped.
func (extractor *HTMLExtractor) AntiForgeryToken(body []byte) (string, bool) {
	if extractor.tokenMarker == "" {
		return "", false
	}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxTokenLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		markerIndex := strings.Index(line, extractor.tokenMarker)
		if markerIndex == -1 {
			continue
		}
		literal, complete := firstQuotedLiteral(line[markerIndex+len(extractor.tokenMarker):])
		if !complete {
			continue
		}
		if literal == "" {
			return "", false
		}
		return literal, true
	}
	return "", false
}

func (extractor *HTMLExtractor) extractRow(rowNode *html.Node) Row {
	row := Row{}
	if avatarNode, found := extractor.avatar.FindFirst(rowNode); found {
		if source, hasSource := attributeValue(avatarNode, attributeSrc); hasSource {
			row.AvatarURL = &source
		}
	}
	if linkNode, found := extractor.handleLink.FindFirst(rowNode); found {
		if href, hasHref := attributeValue(linkNode, attributeHref); hasHref {
			row.Handle = strings.Trim(strings.TrimSpace(href), handlePathSeparators)
		}
		row.DisplayName = strings.TrimSpace(htmlquery.InnerText(linkNode))
	}
	return row
}

func parseDocument(body []byte) (*html.Node, error) {
	document, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseHTML, err)
	}
	return document, nil
}

func attributeValue(node *html.Node, name string) (string, bool) {
	for _, attribute := range node.Attr {
		if attribute.Key == name {
			return attribute.Val, true
		}
	}
	return "", false
}

func firstQuotedLiteral(text string) (string, bool) {
	openIndex := strings.IndexAny(text, quoteCharacters)
	if openIndex == -1 {
		return "", false
	}
	quote := text[openIndex]
	closeIndex := strings.IndexByte(text[openIndex+1:], quote)
	if closeIndex == -1 {
		return "", false
	}
	return text[openIndex+1 : openIndex+1+closeIndex], true
}
