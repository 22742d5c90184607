// Package mailtext normalizes message bodies for the detectors: HTML is
// flattened to text (hrefs preserved, since delivery links often appear only
// as anchor targets) and oversized HTML is truncated rather than rejected.
package mailtext

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MaxHTMLBytes caps inbound HTML content. Content past the cap is dropped
// with a warning; processing continues on the truncated body.
const MaxHTMLBytes = 1 << 20

var tagRegex = regexp.MustCompile(`<[^>]+>`)

// FromHTML converts an HTML body to plain text. Anchor hrefs are appended
// so link extraction sees URLs that only exist as attributes.
func FromHTML(htmlBody string, logger *slog.Logger) string {
	if htmlBody == "" {
		return ""
	}
	if len(htmlBody) > MaxHTMLBytes {
		if logger != nil {
			logger.Warn("html body exceeds size cap, truncating",
				"size", len(htmlBody),
				"cap", MaxHTMLBytes,
			)
		}
		htmlBody = htmlBody[:MaxHTMLBytes]
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		// Regex fallback keeps the detectors running on broken markup.
		return tagRegex.ReplaceAllString(htmlBody, " ")
	}

	var b strings.Builder
	b.WriteString(doc.Text())
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			b.WriteString("\n")
			b.WriteString(href)
		}
	})
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok {
			b.WriteString("\n")
			b.WriteString(src)
		}
	})
	return b.String()
}

// Combined returns the text used for classification and link extraction:
// the plain body plus the flattened HTML body.
func Combined(bodyText, bodyHTML string, logger *slog.Logger) string {
	if bodyHTML == "" {
		return bodyText
	}
	flat := FromHTML(bodyHTML, logger)
	if bodyText == "" {
		return flat
	}
	return bodyText + "\n" + flat
}

// Preview returns the first n characters of text, for payload previews and
// log entries.
func Preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
