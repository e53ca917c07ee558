package extract

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/corvid-labs/harvest/core"
)

// Outcome is one page's field-extraction result: the assembled
// Record plus the classifier-relevant counters and signal names T1
// and T2 both feed into their FetchResult.
type Outcome struct {
	Record          core.Record
	RequiredFields  int
	ExtractedFields int
	Signals         []string
}

// BuildRecord evaluates every field map against root and html's
// consensus channels, applying identical logic regardless of which
// tier called it — this is what makes the T1/T2 round-trip invariant
// hold (spec.md §8). runID is stamped onto the resulting Record.
func BuildRecord(runID string, root *goquery.Selection, fields []core.FieldMap, html string) Outcome {
	channels := CollectChannels(html)
	out := Outcome{Record: core.Record{RunID: runID, Fields: make(map[string]interface{})}}

	for _, fm := range fields {
		required := fm.Selector.Typed != core.TypedNone
		if required {
			out.RequiredFields++
		}

		value, confidence, ok := FromSelector(root, fm.Selector)
		if !ok {
			continue
		}

		if s, isString := value.(string); isString && s != "" {
			if agreeing, _ := Agreement(s, channels); agreeing >= 2 {
				confidence = AmplifyConfidence(confidence, agreeing)
				out.Signals = append(out.Signals, fmt.Sprintf("%s:consensus-%d", fm.Field, agreeing))
			}
		}

		if required && !RequiredFieldSatisfied(confidence) {
			continue
		}

		out.Record.Fields[fm.Field] = value
		out.ExtractedFields++
	}

	return out
}
