// Package promptpack manages versioned prompt suites. Versions are
// immutable once created; a pipeline can only reference published
// versions.
package promptpack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
)

// Service validates and stores prompt packs.
type Service struct {
	store  database.PromptPackStore
	limits core.Limits
	now    func() time.Time
}

func NewService(store database.PromptPackStore, limits core.Limits) *Service {
	return &Service{store: store, limits: limits, now: time.Now}
}

// Create validates a pack and stores it unpublished. Creating a
// (logical_id, version) pair that already exists fails CONFLICT
// regardless of content.
func (s *Service) Create(ctx context.Context, workspaceID uuid.UUID, logicalID, version string, cases []core.PromptCase) (*core.PromptPack, error) {
	if logicalID == "" || version == "" {
		return nil, core.E(core.CodeInvalidRequest, "logical_id and version are required")
	}
	if err := ValidateCases(s.limits, cases); err != nil {
		return nil, err
	}

	pack := core.PromptPack{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		LogicalID:   logicalID,
		Version:     version,
		Cases:       cases,
		CreatedAt:   s.now().UTC(),
	}
	sha, err := ContentSHA(pack)
	if err != nil {
		return nil, err
	}
	pack.SHA256 = sha

	if err := s.store.CreatePromptPack(ctx, pack); err != nil {
		return nil, err
	}
	return &pack, nil
}

// Publish freezes a version so pipelines can pin it.
func (s *Service) Publish(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) (*core.PromptPack, error) {
	if err := s.store.MarkPromptPackPublished(ctx, workspaceID, logicalID, version); err != nil {
		return nil, err
	}
	return s.store.GetPromptPack(ctx, workspaceID, logicalID, version)
}

// Get returns one version.
func (s *Service) Get(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) (*core.PromptPack, error) {
	return s.store.GetPromptPack(ctx, workspaceID, logicalID, version)
}

// List returns the versions of a logical pack, or all packs for the
// workspace when logicalID is empty.
func (s *Service) List(ctx context.Context, workspaceID uuid.UUID, logicalID string) ([]core.PromptPack, error) {
	return s.store.ListPromptPacks(ctx, workspaceID, logicalID)
}

// ValidateCases enforces the structural rules on a case list: at least
// one case, the case-count cap, unique non-empty IDs, non-empty
// prompts, and expectation payloads that parse.
func ValidateCases(limits core.Limits, cases []core.PromptCase) error {
	if len(cases) == 0 {
		return core.E(core.CodeInvalidRequest, "prompt pack has no cases")
	}
	if err := limits.CheckPromptPackCases(len(cases)); err != nil {
		return err
	}

	seen := map[string]bool{}
	for i, c := range cases {
		if c.ID == "" {
			return core.E(core.CodeInvalidRequest, "case %d has an empty id", i)
		}
		if seen[c.ID] {
			return core.E(core.CodeInvalidRequest, "duplicate case id %q", c.ID)
		}
		seen[c.ID] = true
		if c.Prompt == "" {
			return core.E(core.CodeInvalidRequest, "case %q has an empty prompt", c.ID)
		}

		switch c.Expectation {
		case core.ExpectNone:
			if c.Expected != "" {
				return core.E(core.CodeInvalidRequest,
					"case %q: expectation none must not carry an expected value", c.ID)
			}
		case core.ExpectExact:
			if c.Expected == "" {
				return core.E(core.CodeInvalidRequest, "case %q: exact expectation is empty", c.ID)
			}
		case core.ExpectRegex:
			if _, err := regexp.Compile(c.Expected); err != nil {
				return core.E(core.CodeInvalidRequest,
					"case %q: expected regex does not compile: %v", c.ID, err)
			}
		case core.ExpectJSONSchema:
			if _, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(c.Expected)); err != nil {
				return core.E(core.CodeInvalidRequest,
					"case %q: expected value is not a usable JSON schema: %v", c.ID, err)
			}
		default:
			return core.E(core.CodeInvalidRequest,
				"case %q: unknown expectation %q", c.ID, c.Expectation)
		}
	}
	return nil
}

// ContentSHA hashes the pack identity and case content, so identical
// content under a different version still gets a distinct digest.
func ContentSHA(pack core.PromptPack) (string, error) {
	doc := struct {
		LogicalID string            `json:"logical_id"`
		Version   string            `json:"version"`
		Cases     []core.PromptCase `json:"cases"`
	}{pack.LogicalID, pack.Version, pack.Cases}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("hash prompt pack: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
