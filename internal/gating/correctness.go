package gating

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/edgegate/backend/internal/core"
)

// CaseScore is the per-repeat correctness record for one prompt case
// on one device.
type CaseScore struct {
	CaseID string `json:"case_id"`
	Device string `json:"device"`
	Repeat int    `json:"repeat"`
	Score  int    `json:"score"`
}

// CorrectnessResult is the aggregated correctness for one device.
type CorrectnessResult struct {
	Device    string             `json:"device"`
	PerCase   map[string]float64 `json:"per_case"`
	Aggregate float64            `json:"aggregate"`
	Scored    int                `json:"scored_cases"`
}

// ScoreOutput scores a single model output against a case expectation.
// Every rule yields 0 or 1; there is no partial credit.
func ScoreOutput(c core.PromptCase, output string) int {
	switch c.Expectation {
	case core.ExpectExact:
		if canonicalText(output) == canonicalText(c.Expected) {
			return 1
		}
		return 0
	case core.ExpectRegex:
		// Anchored: the pattern must consume the whole trimmed output,
		// so "PASS" does not accept "PASSWORD".
		re, err := regexp.Compile(`\A(?:` + c.Expected + `)\z`)
		if err != nil {
			return 0
		}
		if re.MatchString(canonicalText(output)) {
			return 1
		}
		return 0
	case core.ExpectJSONSchema:
		result, err := gojsonschema.Validate(
			gojsonschema.NewStringLoader(c.Expected),
			gojsonschema.NewStringLoader(canonicalText(output)),
		)
		if err != nil || !result.Valid() {
			return 0
		}
		return 1
	default:
		// Unscored cases are excluded from aggregation.
		return 0
	}
}

// AggregateCorrectness folds per-repeat scores into the per-device
// correctness value: each case takes the median of its repeat scores,
// the device aggregate is the mean over cases whose expectation is not
// `none`.
func AggregateCorrectness(device string, cases []core.PromptCase, scores []CaseScore) CorrectnessResult {
	scored := map[string]bool{}
	for _, c := range cases {
		if c.Expectation != core.ExpectNone {
			scored[c.ID] = true
		}
	}

	byCase := map[string][]float64{}
	for _, s := range scores {
		if s.Device != device || !scored[s.CaseID] {
			continue
		}
		byCase[s.CaseID] = append(byCase[s.CaseID], float64(s.Score))
	}

	res := CorrectnessResult{Device: device, PerCase: map[string]float64{}}
	caseIDs := make([]string, 0, len(byCase))
	for id := range byCase {
		caseIDs = append(caseIDs, id)
	}
	sort.Strings(caseIDs)

	var sum float64
	for _, id := range caseIDs {
		med := Median(byCase[id])
		res.PerCase[id] = med
		sum += med
	}
	res.Scored = len(caseIDs)
	if res.Scored > 0 {
		res.Aggregate = sum / float64(res.Scored)
	}
	return res
}

// canonicalText normalizes line endings to LF and trims surrounding
// whitespace so cosmetic differences never fail an exact expectation.
func canonicalText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// CanonicalJSONText re-serializes a JSON document with sorted keys and
// no insignificant whitespace. Already-canonical input round-trips
// unchanged.
func CanonicalJSONText(raw string) (string, bool) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", false
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", false
	}
	return string(out), true
}
