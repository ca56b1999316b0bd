package markup

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const (
	locatorPrefixCSS         = "css:"
	locatorPrefixXPath       = "xpath:"
	errMessageEmptyLocator   = "locator expression cannot be empty"
	errMessageEmptyCandidate = "locator list cannot be empty"
	errMessageInvalidXPath   = "invalid xpath expression"
	errMessageInvalidCSS     = "invalid css selector"
)

var (
	errEmptyLocator    = errors.New(errMessageEmptyLocator)
	errEmptyCandidates = errors.New(errMessageEmptyCandidate)
)

// LocatorKind selects the query language of a Locator.
type LocatorKind int

const (
	// LocatorCSS evaluates the expression with goquery.
	LocatorCSS LocatorKind = iota
	// LocatorXPath evaluates the expression with htmlquery.
	LocatorXPath
)

// Locator is one structural query against parsed markup.
type Locator struct {
	Kind       LocatorKind
	Expression string
}

// ParseLocator reads "css:<selector>", "xpath:<expr>" or a bare CSS selector.
func ParseLocator(value string) (Locator, error) {
	trimmed := strings.TrimSpace(value)
	kind := LocatorCSS
	switch {
	case strings.HasPrefix(trimmed, locatorPrefixXPath):
		kind = LocatorXPath
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, locatorPrefixXPath))
	case strings.HasPrefix(trimmed, locatorPrefixCSS):
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, locatorPrefixCSS))
	}
	if trimmed == "" {
		return Locator{}, errEmptyLocator
	}
	switch kind {
	case LocatorXPath:
		if _, err := htmlquery.QueryAll(&html.Node{Type: html.DocumentNode}, trimmed); err != nil {
			return Locator{}, fmt.Errorf("%s %q: %w", errMessageInvalidXPath, trimmed, err)
		}
	default:
		if _, err := cascadia.Compile(trimmed); err != nil {
			return Locator{}, fmt.Errorf("%s %q: %w", errMessageInvalidCSS, trimmed, err)
		}
	}
	return Locator{Kind: kind, Expression: trimmed}, nil
}

// Candidates is an ordered fallback list; the first locator with any match wins.
type Candidates []Locator

// ParseCandidates parses every value into a Locator.
func ParseCandidates(values []string) (Candidates, error) {
	candidates := make(Candidates, 0, len(values))
	for _, value := range values {
		locator, err := ParseLocator(value)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, locator)
	}
	if len(candidates) == 0 {
		return nil, errEmptyCandidates
	}
	return candidates, nil
}

// FindAll returns the matches of the first candidate that matches anything beneath root.
func (candidates Candidates) FindAll(root *html.Node) []*html.Node {
	if root == nil {
		return nil
	}
	for _, locator := range candidates {
		if nodes := locator.findAll(root); len(nodes) > 0 {
			return nodes
		}
	}
	return nil
}

// FindFirst returns the first match of the first matching candidate.
func (candidates Candidates) FindFirst(root *html.Node) (*html.Node, bool) {
	nodes := candidates.FindAll(root)
	if len(nodes) == 0 {
		return nil, false
	}
	return nodes[0], true
}

func (locator Locator) findAll(root *html.Node) []*html.Node {
	switch locator.Kind {
	case LocatorXPath:
		nodes, err := htmlquery.QueryAll(root, locator.Expression)
		if err != nil {
			return nil
		}
		return nodes
	default:
		return goquery.NewDocumentFromNode(root).Find(locator.Expression).Nodes
	}
}
