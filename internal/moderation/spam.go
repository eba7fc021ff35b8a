// Package moderation screens room broadcasts for spam before they are
// published. Checks are pure functions of the text and safe for concurrent
// use.
package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Names of the available checks, reported as Result.Term.
const (
	CheckURL       = "url"
	CheckPhone     = "phone"
	CheckCharFlood = "char_flood"
	CheckWordFlood = "word_flood"
)

var (
	// The bare-domain variant requires a trailing "/" so version strings like
	// "v2.0" and decimals like "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Anchored to whitespace so short numbers like "100" pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// allChecks is applied in order; the first match wins.
var allChecks = []spamCheck{
	{name: CheckURL, match: urlPattern.MatchString},
	{name: CheckPhone, match: phonePattern.MatchString},
	{name: CheckCharFlood, match: hasCharFlood},
	{name: CheckWordFlood, match: hasWordFlood},
}

// Result is the outcome of Filter.Check. Term names the check that matched.
type Result struct {
	Blocked bool
	Term    string
}

// Filter runs a fixed set of spam checks.
type Filter struct {
	checks []spamCheck
}

// NewFilter creates a Filter running the named checks, or every check when
// none is named. Unknown names are ignored.
func NewFilter(names ...string) *Filter {
	if len(names) == 0 {
		return &Filter{checks: allChecks}
	}
	f := &Filter{}
	for _, sc := range allChecks {
		for _, n := range names {
			if strings.TrimSpace(n) == sc.name {
				f.checks = append(f.checks, sc)
				break
			}
		}
	}
	return f
}

// Check reports whether text trips one of the filter's checks.
func (f *Filter) Check(text string) Result {
	for _, sc := range f.checks {
		if sc.match(text) {
			return Result{Blocked: true, Term: sc.name}
		}
	}
	return Result{}
}

// hasCharFlood reports 5 or more consecutive identical characters. RE2 has
// no backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same word 3 or more times in a row, ignoring case.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
