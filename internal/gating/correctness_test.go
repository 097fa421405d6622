package gating

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgegate/backend/internal/core"
)

func TestScoreOutput_Exact(t *testing.T) {
	c := core.PromptCase{ID: "c1", Expectation: core.ExpectExact, Expected: "hello world"}

	assert.Equal(t, 1, ScoreOutput(c, "hello world"))
	assert.Equal(t, 1, ScoreOutput(c, "  hello world\r\n"), "line endings and edge whitespace are canonicalized")
	assert.Equal(t, 0, ScoreOutput(c, "hello  world"), "interior whitespace is significant")
}

func TestScoreOutput_Regex(t *testing.T) {
	c := core.PromptCase{ID: "c2", Expectation: core.ExpectRegex, Expected: `^\d{3}-\d{4}$`}

	assert.Equal(t, 1, ScoreOutput(c, "555-0199"))
	assert.Equal(t, 0, ScoreOutput(c, "not a number"))

	bad := core.PromptCase{ID: "c3", Expectation: core.ExpectRegex, Expected: `([`}
	assert.Equal(t, 0, ScoreOutput(bad, "anything"), "uncompilable pattern scores zero")
}

func TestScoreOutput_RegexMatchesWholeOutput(t *testing.T) {
	c := core.PromptCase{ID: "c5", Expectation: core.ExpectRegex, Expected: `PASS`}

	assert.Equal(t, 1, ScoreOutput(c, "PASS"))
	assert.Equal(t, 1, ScoreOutput(c, "PASS\n"), "surrounding whitespace is trimmed before matching")
	assert.Equal(t, 0, ScoreOutput(c, "PASSWORD"), "a substring hit is not a match")
	assert.Equal(t, 0, ScoreOutput(c, "tests PASS here"))

	// Alternations anchor as a unit, not per branch.
	alt := core.PromptCase{ID: "c6", Expectation: core.ExpectRegex, Expected: `yes|no`}
	assert.Equal(t, 1, ScoreOutput(alt, "no"))
	assert.Equal(t, 0, ScoreOutput(alt, "yes sir"))
}

func TestScoreOutput_JSONSchema(t *testing.T) {
	c := core.PromptCase{
		ID:          "c4",
		Expectation: core.ExpectJSONSchema,
		Expected:    `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`,
	}

	assert.Equal(t, 1, ScoreOutput(c, `{"name": "edge"}`))
	assert.Equal(t, 0, ScoreOutput(c, `{"other": 1}`))
	assert.Equal(t, 0, ScoreOutput(c, `not json`))
}

func TestAggregateCorrectness(t *testing.T) {
	cases := []core.PromptCase{
		{ID: "a", Expectation: core.ExpectExact, Expected: "x"},
		{ID: "b", Expectation: core.ExpectRegex, Expected: "y"},
		{ID: "c", Expectation: core.ExpectNone},
	}
	scores := []CaseScore{
		// Case a: scores [1,1,0] -> median 1.
		{CaseID: "a", Device: "s24", Repeat: 1, Score: 1},
		{CaseID: "a", Device: "s24", Repeat: 2, Score: 1},
		{CaseID: "a", Device: "s24", Repeat: 3, Score: 0},
		// Case b: scores [0,0,1] -> median 0.
		{CaseID: "b", Device: "s24", Repeat: 1, Score: 0},
		{CaseID: "b", Device: "s24", Repeat: 2, Score: 0},
		{CaseID: "b", Device: "s24", Repeat: 3, Score: 1},
		// Case c is expectation none; its scores are ignored.
		{CaseID: "c", Device: "s24", Repeat: 1, Score: 1},
		// Another device's scores are ignored.
		{CaseID: "a", Device: "s23", Repeat: 1, Score: 0},
	}

	res := AggregateCorrectness("s24", cases, scores)
	assert.Equal(t, 2, res.Scored)
	assert.Equal(t, 1.0, res.PerCase["a"])
	assert.Equal(t, 0.0, res.PerCase["b"])
	assert.Equal(t, 0.5, res.Aggregate, "mean over scored cases")
	assert.NotContains(t, res.PerCase, "c")
}

func TestCanonicalJSONText(t *testing.T) {
	out, ok := CanonicalJSONText(`{ "b": 2, "a": [1, 2] }`)
	assert.True(t, ok)
	assert.Equal(t, `{"a":[1,2],"b":2}`, out)

	// Idempotent on already-canonical input.
	again, ok := CanonicalJSONText(out)
	assert.True(t, ok)
	assert.Equal(t, out, again)

	_, ok = CanonicalJSONText("nope{")
	assert.False(t, ok)
}
