// Package extract is the shared selector-evaluation engine both T1
// (engines/httpfetch) and T2 (engines/browser) drive off the same
// parsed document, so the two tiers produce identical values for
// identical markup — the round-trip invariant spec.md §8 requires.
// It performs no network I/O of its own.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/corvid-labs/harvest/core"
)

// requiredFieldFloor is the confidence below which a required,
// typed field is treated as unresolved for classifier purposes
// (spec.md §4.5: "required fields below 0.75 confidence feed into
// pause logic").
const requiredFieldFloor = 0.75

// Field is one resolved field's value plus its extraction confidence
// and which consensus channels corroborated it.
type Field struct {
	Name       string
	Value      interface{}
	Confidence float64
	Signals    []string
}

// FromSelector runs the 5-step contract from spec.md §4.5 against root:
// CSS query -> all-vs-first -> attr-or-normalized-text -> optional
// regex (first capture group, else the whole match, else nil) ->
// typed-field classification with confidence.
func FromSelector(root *goquery.Selection, spec core.SelectorSpec) (interface{}, float64, bool) {
	sel := root.Find(spec.CSS)
	if sel.Length() == 0 {
		return nil, 0, false
	}

	if spec.All {
		var values []string
		sel.Each(func(_ int, s *goquery.Selection) {
			if v, ok := rawValue(s, spec); ok {
				values = append(values, v)
			}
		})
		if len(values) == 0 {
			return nil, 0, false
		}
		return values, 1.0, true
	}

	raw, ok := rawValue(sel.First(), spec)
	if !ok {
		return nil, 0, false
	}
	value, confidence := Classify(spec.Typed, raw)
	return value, confidence, true
}

// rawValue applies the attr-or-text step, then the optional regex
// step, to a single matched node.
func rawValue(s *goquery.Selection, spec core.SelectorSpec) (string, bool) {
	var raw string
	if spec.Attr != nil {
		v, exists := s.Attr(*spec.Attr)
		if !exists {
			return "", false
		}
		raw = strings.TrimSpace(v)
	} else {
		raw = strings.TrimSpace(s.Text())
	}

	if spec.Regex == nil {
		return raw, raw != ""
	}

	re, err := regexp.Compile(*spec.Regex)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], true
	}
	return m[0], true
}

var (
	phoneDigitsRe = regexp.MustCompile(`\d`)
	emailRe       = regexp.MustCompile(`^[\w.+-]+@[\w-]+\.[A-Za-z]{2,}$`)
	integerRe     = regexp.MustCompile(`-?\d+`)
)

// Classify applies the closed typed-field classifiers (spec.md §4.5)
// and returns the coerced value plus a confidence in [0,1]. An
// unrecognized or absent kind passes the raw string through at full
// confidence — typing is opt-in, never assumed.
func Classify(kind core.TypedFieldKind, raw string) (interface{}, float64) {
	switch kind {
	case core.TypedPhone:
		digits := phoneDigitsRe.FindAllString(raw, -1)
		if len(digits) < 7 {
			return raw, 0.3
		}
		if len(digits) == 10 || len(digits) == 11 {
			return strings.Join(digits, ""), 0.95
		}
		return strings.Join(digits, ""), 0.6
	case core.TypedEmail:
		if emailRe.MatchString(strings.ToLower(raw)) {
			return strings.ToLower(raw), 0.95
		}
		return raw, 0.2
	case core.TypedAddress:
		if len(strings.Fields(raw)) >= 3 {
			return raw, 0.7
		}
		return raw, 0.3
	case core.TypedInteger:
		m := integerRe.FindString(raw)
		if m == "" {
			return raw, 0.1
		}
		n, err := strconv.Atoi(m)
		if err != nil {
			return raw, 0.1
		}
		return n, 0.9
	default:
		return raw, 1.0
	}
}

// RequiredFieldSatisfied reports whether a required field's confidence
// clears the pause threshold.
func RequiredFieldSatisfied(confidence float64) bool {
	return confidence >= requiredFieldFloor
}

// Channel is one consensus source pulled out of the page: a JSON-LD
// script block, an OpenGraph/Twitter meta tag, or an embedded
// hydration payload (e.g. Next.js's __NEXT_DATA__).
type Channel struct {
	Name string
	Raw  string
}

// CollectChannels scans html for every consensus channel present.
// Malformed JSON-LD/hydration blocks are skipped rather than failing
// the whole extraction.
func CollectChannels(html string) []Channel {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var channels []Channel
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		txt := strings.TrimSpace(s.Text())
		if txt != "" && gjson.Valid(txt) {
			channels = append(channels, Channel{Name: "json-ld", Raw: txt})
		}
	})
	doc.Find(`meta[property^="og:"], meta[name^="twitter:"]`).Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok && content != "" {
			channels = append(channels, Channel{Name: "opengraph-twitter", Raw: content})
		}
	})
	doc.Find(`script#__NEXT_DATA__, script[id$="-hydration"]`).Each(func(_ int, s *goquery.Selection) {
		txt := strings.TrimSpace(s.Text())
		if txt != "" && gjson.Valid(txt) {
			channels = append(channels, Channel{Name: "hydration", Raw: txt})
		}
	})
	return channels
}

// Agreement counts how many channels corroborate primaryValue (a
// simple substring match against each channel's raw JSON/content —
// channels carry no field-name mapping of their own, so agreement is
// "this value appears in an independent source on the page") and
// returns a compact JSON diagnostic blob naming which channels agreed,
// built incrementally with sjson the way the record/event metadata
// blobs in this module are assembled field-by-field rather than via a
// single struct marshal.
func Agreement(primaryValue string, channels []Channel) (int, string) {
	if primaryValue == "" {
		return 0, "{}"
	}
	blob := "{}"
	count := 0
	for _, ch := range channels {
		if !gjson.Valid(ch.Raw) {
			if strings.Contains(ch.Raw, primaryValue) {
				blob, _ = sjson.Set(blob, fmt.Sprintf("agreeing.%d", count), ch.Name)
				count++
			}
			continue
		}
		result := gjson.Parse(ch.Raw)
		if jsonContainsValue(result, primaryValue) {
			blob, _ = sjson.Set(blob, fmt.Sprintf("agreeing.%d", count), ch.Name)
			count++
		}
	}
	blob, _ = sjson.Set(blob, "count", count)
	return count, blob
}

func jsonContainsValue(v gjson.Result, needle string) bool {
	switch {
	case v.IsObject() || v.IsArray():
		found := false
		v.ForEach(func(_, value gjson.Result) bool {
			if jsonContainsValue(value, needle) {
				found = true
				return false
			}
			return true
		})
		return found
	default:
		return strings.Contains(v.String(), needle)
	}
}

// AmplifyConfidence applies spec.md §4.8's consensus bonus: 2 agreeing
// channels add 0.2, 3+ add 0.3; it never lowers confidence and never
// exceeds 1.0. An agreement count of 0 or 1 leaves base unchanged.
func AmplifyConfidence(base float64, agreeing int) float64 {
	var bonus float64
	switch {
	case agreeing >= 3:
		bonus = 0.3
	case agreeing == 2:
		bonus = 0.2
	}
	amplified := base + bonus
	if amplified > 1.0 {
		return 1.0
	}
	return amplified
}
