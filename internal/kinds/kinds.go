// Package kinds derives link-type labels for captured notes. Everything in
// this package is pure and deterministic: no network access, no redirect
// resolution, no state. Classification of a shortened link therefore reflects
// the link text itself, never its expansion.
package kinds

import (
	"iter"
	"net/url"
	"regexp"
	"strings"
)

// Kind labels a note's association with a link type or plain text.
type Kind string

const (
	KindPlainText     Kind = "plain_text"
	KindYouTube       Kind = "youtube"
	KindInstagramPost Kind = "instagram_post"
	KindInstagramReel Kind = "instagram_reel"
	KindThreads       Kind = "threads"
	KindOtherLink     Kind = "other_link"
)

// Order is the canonical presentation order for kind sets. Persisted kind
// sets are always stored in this order, independent of discovery order.
var Order = []Kind{
	KindPlainText,
	KindYouTube,
	KindInstagramPost,
	KindInstagramReel,
	KindThreads,
	KindOtherLink,
}

var kindRank = func() map[Kind]int {
	ranks := make(map[Kind]int, len(Order))
	for index, kind := range Order {
		ranks[kind] = index
	}
	return ranks
}()

// ParseKind validates a raw filter value against the closed kind taxonomy.
func ParseKind(raw string) (Kind, bool) {
	candidate := Kind(strings.TrimSpace(raw))
	if _, known := kindRank[candidate]; known {
		return candidate, true
	}
	return "", false
}

// String returns the persisted representation of the kind.
func (k Kind) String() string {
	return string(k)
}

const (
	// maxScanChars bounds URL scanning on pathological inputs such as a note
	// holding a large base64 blob.
	maxScanChars = 50_000
	// maxURLs caps how many matches a single scan may yield.
	maxURLs = 50

	trailingPunctuation = `){.,!?]}"'`
)

var urlPattern = regexp.MustCompile(`(?i)https?://[^\s"'<>]+`)

// ExtractURLs scans text for http(s) URL tokens and yields them in
// first-occurrence order. Trailing sentence punctuation is trimmed from each
// match so URLs embedded in prose survive intact. Scanning stops after
// maxScanChars of input or maxURLs matches, whichever comes first. Duplicates
// are preserved; the sequence is finite and restartable.
func ExtractURLs(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		scanned := text
		if len(scanned) > maxScanChars {
			scanned = scanned[:maxScanChars]
		}
		found := 0
		for _, match := range urlPattern.FindAllString(scanned, -1) {
			candidate := strings.TrimRight(match, trailingPunctuation)
			if candidate == "" {
				continue
			}
			if !yield(candidate) {
				return
			}
			found++
			if found >= maxURLs {
				return
			}
		}
	}
}

var youtubeHosts = map[string]struct{}{
	"youtube.com":     {},
	"www.youtube.com": {},
	"m.youtube.com":   {},
	"youtu.be":        {},
}

func isInstagramHost(host string) bool {
	return strings.HasSuffix(host, "instagram.com") || host == "instagr.am"
}

func hasHTTPPrefix(raw string) bool {
	lowered := strings.ToLower(raw)
	return strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://")
}

// ClassifyURL maps a single URL to its kind. The boolean is false when the
// URL contributes no kind at all (non-http schemes; the caller maps those to
// plain_text via source-scheme logic). Malformed input that still carries a
// textual http(s) prefix classifies as other_link: classification must never
// abort note processing.
func ClassifyURL(raw string) (Kind, bool) {
	parsed, err := url.Parse(raw)
	if err != nil {
		if hasHTTPPrefix(raw) {
			return KindOtherLink, true
		}
		return "", false
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(parsed.Hostname())
	path := strings.ToLower(parsed.Path)

	switch {
	case hostIsYouTube(host):
		return KindYouTube, true
	case isInstagramHost(host) && (strings.Contains(path, "/reel/") || strings.Contains(path, "/reels/")):
		return KindInstagramReel, true
	case isInstagramHost(host) && (strings.Contains(path, "/p/") || strings.Contains(path, "/tv/")):
		return KindInstagramPost, true
	case strings.HasSuffix(host, "threads.net") && strings.Contains(path, "/post/"):
		return KindThreads, true
	}
	return KindOtherLink, true
}

func hostIsYouTube(host string) bool {
	_, known := youtubeHosts[host]
	return known
}

// ComputeNoteKinds derives the primary kind from the source URL and the full
// kind set from URLs embedded in the note's text fields. The primary kind is
// always a member of the returned set, and the set is deduplicated and
// reordered into the canonical presentation order.
func ComputeNoteKinds(sourceURL, contentFull, summaryShort, summaryLong string) (Kind, []Kind) {
	primary := KindPlainText
	if kind, ok := ClassifyURL(sourceURL); ok {
		primary = kind
	}

	members := map[Kind]struct{}{primary: {}}
	scanText := strings.Join([]string{contentFull, summaryShort, summaryLong}, "\n")
	for candidate := range ExtractURLs(scanText) {
		if kind, ok := ClassifyURL(candidate); ok {
			members[kind] = struct{}{}
		}
	}

	ordered := make([]Kind, 0, len(members))
	for _, kind := range Order {
		if _, present := members[kind]; present {
			ordered = append(ordered, kind)
		}
	}
	return primary, ordered
}
