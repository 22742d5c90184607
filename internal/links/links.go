// Package links extracts file-sharing delivery links from message text.
// Extraction is a pure function of the input: no I/O, no clock, no errors.
package links

import (
	"html"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Provider identifies the file-sharing service behind a link.
type Provider string

const (
	ProviderDropbox       Provider = "dropbox"
	ProviderFromSmash     Provider = "fromsmash"
	ProviderSwissTransfer Provider = "swisstransfer"
	ProviderUnknown       Provider = "unknown"
)

// Link is one extracted delivery link.
type Link struct {
	Provider  Provider `json:"provider"`
	RawURL    string   `json:"raw_url"`
	DirectURL string   `json:"direct_url,omitempty"`

	// Populated by the optional remote offload collaborator, not here.
	OffloadedURL      string `json:"r2_url,omitempty"`
	OffloadedFilename string `json:"original_filename,omitempty"`
}

// One combined pattern for all known provider hosts. Trailing punctuation
// commonly glued onto URLs in plain text is trimmed afterwards.
var linkRegex = regexp.MustCompile(`https?://(?:[a-zA-Z0-9-]+\.)*(?:dropbox\.com|fromsmash\.com|swisstransfer\.com)/[^\s<>"'\)\]]*`)

// Image basenames Dropbox renders as folder previews rather than
// deliverables (logos, signatures embedded in the mail body).
var previewBasenames = []string{"logo", "signature", "banner", "icone", "icon"}

// maxUnescapeRounds bounds the repeated HTML-unescape used to normalize
// doubly-encoded ampersands (&amp;amp; and friends).
const maxUnescapeRounds = 4

// Extract scans text for known provider URLs, in first-seen order, with
// exact-URL dedup after unescaping. Empty input yields an empty slice.
func Extract(text string) []Link {
	if text == "" {
		return nil
	}

	var out []Link
	seen := make(map[string]bool)

	for _, match := range linkRegex.FindAllString(text, -1) {
		raw := normalize(match)
		if raw == "" || seen[raw] {
			continue
		}
		seen[raw] = true

		provider := classify(raw)
		if provider == ProviderDropbox && isDropboxPreviewAsset(raw) {
			continue
		}

		out = append(out, Link{
			Provider:  provider,
			RawURL:    raw,
			DirectURL: directURL(provider, raw),
		})
	}

	return out
}

// normalize trims trailing punctuation and repeatedly HTML-unescapes until
// the URL is stable.
func normalize(raw string) string {
	raw = strings.TrimRight(raw, ".,;:!?")
	for i := 0; i < maxUnescapeRounds; i++ {
		unescaped := html.UnescapeString(raw)
		if unescaped == raw {
			break
		}
		raw = unescaped
	}
	if _, err := url.Parse(raw); err != nil {
		return ""
	}
	return raw
}

func classify(raw string) Provider {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "dropbox.com"):
		return ProviderDropbox
	case strings.Contains(lower, "fromsmash.com"):
		return ProviderFromSmash
	case strings.Contains(lower, "swisstransfer.com"):
		return ProviderSwissTransfer
	}
	return ProviderUnknown
}

// isDropboxPreviewAsset skips image previews nested under a shared-folder
// link: same /scl/fo/ path shape, raw=1 flag, and a basename that is
// obviously a mail asset rather than a deliverable.
func isDropboxPreviewAsset(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !strings.Contains(parsed.Path, "/scl/fo/") {
		return false
	}
	if parsed.Query().Get("raw") != "1" {
		return false
	}

	base := strings.ToLower(path.Base(parsed.Path))
	ext := path.Ext(base)
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif":
	default:
		return false
	}
	name := strings.TrimSuffix(base, ext)
	for _, prefix := range previewBasenames {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// directURL rewrites a Dropbox share link into its direct-download form.
// Other providers have no stable direct form.
func directURL(provider Provider, raw string) string {
	if provider != ProviderDropbox {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	q := parsed.Query()
	if q.Get("dl") == "1" {
		return raw
	}
	q.Set("dl", "1")
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// FirstDirect returns the first link's direct URL, falling back to its raw
// URL, or "" when there are no links.
func FirstDirect(list []Link) string {
	if len(list) == 0 {
		return ""
	}
	if list[0].DirectURL != "" {
		return list[0].DirectURL
	}
	return list[0].RawURL
}

// DropboxRawURLs returns the raw URLs of all Dropbox links, for the legacy
// payload aliases.
func DropboxRawURLs(list []Link) []string {
	var urls []string
	for _, l := range list {
		if l.Provider == ProviderDropbox {
			urls = append(urls, l.RawURL)
		}
	}
	return urls
}
