package fetch

import (
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// LowContentRuneThreshold is the quality gate below which extracted text is
// flagged low-content. Falling under it never fails an item on its own.
const LowContentRuneThreshold = 500

// ExtractError signals that content was retrieved but no usable main text
// was found.
type ExtractError struct {
	URL string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: no usable main content", e.URL)
}

// ExtractMainContent pulls the main textual content out of raw markup. It
// tries a readability pass first and falls back to a coarse tag walk; an
// empty result from both is an *ExtractError.
func ExtractMainContent(rawHTML, sourceURL string) (string, error) {
	if text := readableText(rawHTML, sourceURL); text != "" {
		return text, nil
	}
	if text := fallbackText(rawHTML); text != "" {
		return text, nil
	}
	// Browser captions arrive as plain text rather than markup; accept them
	// verbatim when they carry no tags at all.
	trimmed := strings.TrimSpace(rawHTML)
	if trimmed != "" && !strings.Contains(trimmed, "<") {
		return trimmed, nil
	}
	return "", &ExtractError{URL: sourceURL}
}

func readableText(rawHTML, sourceURL string) string {
	pageURL, err := url.Parse(sourceURL)
	if err != nil || pageURL.Host == "" {
		pageURL = &url.URL{Scheme: "http", Host: "localhost"}
	}
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

var skippedTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"nav":      {},
	"header":   {},
	"footer":   {},
	"aside":    {},
	"iframe":   {},
	"svg":      {},
	"form":     {},
	"button":   {},
}

// fallbackText walks the parsed document collecting visible text, skipping
// chrome elements.
func fallbackText(rawHTML string) string {
	document, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}

	var builder strings.Builder
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			if _, skip := skippedTags[node.Data]; skip {
				return
			}
		}
		if node.Type == html.TextNode {
			text := strings.TrimSpace(node.Data)
			if text != "" {
				if builder.Len() > 0 {
					builder.WriteByte('\n')
				}
				builder.WriteString(text)
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(document)

	return strings.TrimSpace(builder.String())
}
