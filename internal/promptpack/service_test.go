package promptpack

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
)

func newService() (*Service, uuid.UUID) {
	return NewService(database.NewMemStore(), core.DefaultLimits()), uuid.New()
}

func validCases() []core.PromptCase {
	return []core.PromptCase{
		{ID: "greet", Prompt: "say hello", Expectation: core.ExpectExact, Expected: "hello"},
		{ID: "json", Prompt: "emit json", Expectation: core.ExpectJSONSchema, Expected: `{"type":"object"}`},
		{ID: "re", Prompt: "count", Expectation: core.ExpectRegex, Expected: `^\d+$`},
		{ID: "free", Prompt: "anything", Expectation: core.ExpectNone},
	}
}

func TestCreate_AssignsContentHash(t *testing.T) {
	svc, ws := newService()

	pack, err := svc.Create(context.Background(), ws, "smoke", "1.0.0", validCases())
	require.NoError(t, err)
	assert.Len(t, pack.SHA256, 64)
	assert.False(t, pack.Published)

	// Same cases under a different version hash differently.
	other, err := svc.Create(context.Background(), ws, "smoke", "1.0.1", validCases())
	require.NoError(t, err)
	assert.NotEqual(t, pack.SHA256, other.SHA256)
}

func TestCreate_DuplicateVersionConflicts(t *testing.T) {
	svc, ws := newService()
	_, err := svc.Create(context.Background(), ws, "smoke", "1.0.0", validCases())
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), ws, "smoke", "1.0.0", validCases()[:1])
	require.Error(t, err)
	assert.Equal(t, core.CodeConflict, core.CodeOf(err))
}

func TestPublish_FreezesVersion(t *testing.T) {
	svc, ws := newService()
	_, err := svc.Create(context.Background(), ws, "smoke", "1.0.0", validCases())
	require.NoError(t, err)

	pack, err := svc.Publish(context.Background(), ws, "smoke", "1.0.0")
	require.NoError(t, err)
	assert.True(t, pack.Published)
}

func TestValidateCases_Rules(t *testing.T) {
	limits := core.DefaultLimits()

	tests := []struct {
		name  string
		cases []core.PromptCase
	}{
		{"empty pack", nil},
		{"empty id", []core.PromptCase{{ID: "", Prompt: "p", Expectation: core.ExpectNone}}},
		{"duplicate id", []core.PromptCase{
			{ID: "a", Prompt: "p", Expectation: core.ExpectNone},
			{ID: "a", Prompt: "q", Expectation: core.ExpectNone},
		}},
		{"empty prompt", []core.PromptCase{{ID: "a", Prompt: "", Expectation: core.ExpectNone}}},
		{"bad regex", []core.PromptCase{{ID: "a", Prompt: "p", Expectation: core.ExpectRegex, Expected: "("}}},
		{"bad schema json", []core.PromptCase{{ID: "a", Prompt: "p", Expectation: core.ExpectJSONSchema, Expected: "{"}}},
		{"empty exact", []core.PromptCase{{ID: "a", Prompt: "p", Expectation: core.ExpectExact}}},
		{"none with payload", []core.PromptCase{{ID: "a", Prompt: "p", Expectation: core.ExpectNone, Expected: "x"}}},
		{"unknown expectation", []core.PromptCase{{ID: "a", Prompt: "p", Expectation: "fuzzy"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCases(limits, tc.cases)
			require.Error(t, err)
			assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))
		})
	}

	require.NoError(t, ValidateCases(limits, validCases()))
}

func TestValidateCases_CaseCountLimit(t *testing.T) {
	limits := core.DefaultLimits()
	var cases []core.PromptCase
	for i := 0; i <= limits.PromptPackCases; i++ {
		cases = append(cases, core.PromptCase{
			ID: fmt.Sprintf("case-%d", i), Prompt: "p", Expectation: core.ExpectNone,
		})
	}
	err := ValidateCases(limits, cases)
	require.Error(t, err)
	assert.Equal(t, core.CodeLimitExceeded, core.CodeOf(err))

	require.NoError(t, ValidateCases(limits, cases[:limits.PromptPackCases]))
}
