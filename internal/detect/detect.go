// Package detect implements the two hardcoded business-pattern classifiers:
// the scheduled media-delivery pattern and the unsubscribe/pricing pattern.
// Both operate on (subject, body) and fail closed on malformed input.
package detect

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mediaflux/mailrelay/internal/links"
)

// Subject template for a scheduled delivery: business name, a missions
// segment and a lot number, matched on folded text.
var (
	mediaSubjectRegex = regexp.MustCompile(`media\s*solution.*\bmissions?\b.*\blot\s*(\d+)`)
	urgencyRegex      = regexp.MustCompile(`\burgen(?:ce|t)\b`)

	// "le 12/03/2026 à 14h30" and punctuation variants, on folded text
	// where "à" has become "a".
	dateTimeRegex = regexp.MustCompile(`\ble\s+(\d{1,2})/(\d{1,2})/(\d{4})\s+a\s+(\d{1,2})\s*[h:]\s*(\d{1,2})?`)

	// Bare times: "11h51", "9h", "14:05".
	bareTimeHRegex     = regexp.MustCompile(`\b(\d{1,2})\s*h\s*(\d{1,2})?\b`)
	bareTimeColonRegex = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)

	dropboxRequestRegex = regexp.MustCompile(`(?i)dropbox\.com/request/\S+`)
)

// Keyword phrases the unsubscribe/pricing pattern requires, compared on
// folded text. "aujourd" matches aujourd'hui under either apostrophe.
var desaboKeywords = []string{"desabonnement", "aujourd", "tarif standard"}

// Detector evaluates the two patterns. Now and Loc are injectable for the
// urgency time computation.
type Detector struct {
	Now    func() time.Time
	Loc    *time.Location
	Logger *slog.Logger
}

// New returns a Detector on the given timezone using the wall clock.
func New(loc *time.Location, logger *slog.Logger) *Detector {
	if loc == nil {
		loc = time.Local
	}
	return &Detector{Now: time.Now, Loc: loc, Logger: logger}
}

// MediaResult is the outcome of the scheduled-delivery pattern.
type MediaResult struct {
	Matches      bool
	DeliveryTime string
	Urgent       bool
	Lot          string
}

// DesaboResult is the outcome of the unsubscribe/pricing pattern.
type DesaboResult struct {
	Matches           bool
	HasDropboxRequest bool
	Urgent            bool
}

// MediaSolution reports whether (subject, body) is a scheduled media
// delivery notification, and extracts its delivery time.
//
// Urgency in the subject overrides any time stated in the body: the
// delivery time becomes now+1h. Otherwise the body is scanned for an
// explicit "le DD/MM/YYYY à HH:MM" phrase, then for a bare HHhMM / HH:MM
// time. A missing minute defaults to 00.
func (d *Detector) MediaSolution(subject, body string) MediaResult {
	if subject == "" || body == "" {
		return MediaResult{}
	}

	foldedSubject := Fold(subject)
	m := mediaSubjectRegex.FindStringSubmatch(foldedSubject)
	if m == nil {
		return MediaResult{}
	}
	if len(links.Extract(body)) == 0 {
		return MediaResult{}
	}

	res := MediaResult{Matches: true, Lot: m[1]}

	if urgencyRegex.MatchString(foldedSubject) {
		res.Urgent = true
		at := d.Now().In(d.Loc).Add(time.Hour)
		res.DeliveryTime = fmt.Sprintf("%02dh%02d", at.Hour(), at.Minute())
		return res
	}

	res.DeliveryTime = parseBodyTime(Fold(body))
	return res
}

// parseBodyTime extracts the stated delivery time from a folded body,
// preferring the full date phrase over a bare time.
func parseBodyTime(folded string) string {
	if m := dateTimeRegex.FindStringSubmatch(folded); m != nil {
		day, month, year := atoi(m[1]), atoi(m[2]), atoi(m[3])
		hour, minute := atoi(m[4]), atoiDefault(m[5], 0)
		if validDate(day, month) && validTime(hour, minute) {
			return fmt.Sprintf("le %02d/%02d/%04d à %02dh%02d", day, month, year, hour, minute)
		}
	}
	for _, m := range bareTimeHRegex.FindAllStringSubmatch(folded, -1) {
		hour, minute := atoi(m[1]), atoiDefault(m[2], 0)
		if validTime(hour, minute) {
			return fmt.Sprintf("%02dh%02d", hour, minute)
		}
	}
	for _, m := range bareTimeColonRegex.FindAllStringSubmatch(folded, -1) {
		hour, minute := atoi(m[1]), atoi(m[2])
		if validTime(hour, minute) {
			return fmt.Sprintf("%02dh%02d", hour, minute)
		}
	}
	return ""
}

// Desabo reports whether (subject, body) is an unsubscribe/pricing request:
// all required keyword phrases must appear somewhere across subject+body.
func (d *Detector) Desabo(subject, body string) DesaboResult {
	combined := Fold(subject + "\n" + body)
	for _, kw := range desaboKeywords {
		if !strings.Contains(combined, kw) {
			return DesaboResult{}
		}
	}
	return DesaboResult{
		Matches:           true,
		HasDropboxRequest: dropboxRequestRegex.MatchString(subject + "\n" + body),
		Urgent:            urgencyRegex.MatchString(Fold(subject)),
	}
}

func validTime(hour, minute int) bool {
	return hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
}

func validDate(day, month int) bool {
	return day >= 1 && day <= 31 && month >= 1 && month <= 12
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return atoi(s)
}
