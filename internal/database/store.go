// Package database holds the persistence interfaces and their two
// implementations: Postgres for deployments and an in-memory store for
// tests and local development. The interfaces are small and grouped by
// aggregate; Store embeds them all.
//
// Single-row getters fail NOT_FOUND when the row is missing or belongs
// to another workspace; they never return (nil, nil). The one
// exception is LookupArtifactBySHA, a dedupe lookup where a miss is
// the common case and reports (nil, nil).
package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/core"
)

// WorkspaceStore manages tenant records.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, ws core.Workspace) error
	GetWorkspace(ctx context.Context, id uuid.UUID) (*core.Workspace, error)
	GetWorkspaceByName(ctx context.Context, name string) (*core.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]core.Workspace, error)
}

// IntegrationStore manages the per-workspace hub integration. A
// workspace has at most one.
type IntegrationStore interface {
	UpsertIntegration(ctx context.Context, in core.Integration) error
	GetIntegration(ctx context.Context, workspaceID uuid.UUID) (*core.Integration, error)
	DisableIntegration(ctx context.Context, workspaceID uuid.UUID) error
}

// CISecretStore manages the sealed per-workspace CI ingress secret.
type CISecretStore interface {
	UpsertCISecret(ctx context.Context, secret core.CISecret) error
	GetCISecret(ctx context.Context, workspaceID uuid.UUID) (*core.CISecret, error)
}

// PipelineStore manages gating configurations.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p core.Pipeline) error
	GetPipeline(ctx context.Context, workspaceID, id uuid.UUID) (*core.Pipeline, error)
	ListPipelines(ctx context.Context, workspaceID uuid.UUID) ([]core.Pipeline, error)
}

// PromptPackStore manages versioned prompt suites. Creating a pack
// whose (workspace, logical_id, version) already exists fails CONFLICT
// regardless of content; published versions are immutable.
type PromptPackStore interface {
	CreatePromptPack(ctx context.Context, p core.PromptPack) error
	GetPromptPack(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) (*core.PromptPack, error)
	ListPromptPacks(ctx context.Context, workspaceID uuid.UUID, logicalID string) ([]core.PromptPack, error)
	MarkPromptPackPublished(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) error
}

// RunStore manages run rows. UpdateRun persists the full mutable
// state; the worker calls it before and after every external step so a
// crashed worker can resume from the persisted state.
type RunStore interface {
	CreateRun(ctx context.Context, r core.Run) error
	GetRun(ctx context.Context, workspaceID, id uuid.UUID) (*core.Run, error)
	UpdateRun(ctx context.Context, r core.Run) error
	ListRuns(ctx context.Context, workspaceID uuid.UUID, pipelineID *uuid.UUID, limit int) ([]core.Run, error)
	RequestRunCancel(ctx context.Context, workspaceID, id uuid.UUID) error
	ListActiveRuns(ctx context.Context) ([]core.Run, error)
}

// ArtifactStore is the artifact metadata persistence; it satisfies
// blobstore.MetaStore. LookupArtifactBySHA returns (nil, nil) when no
// live artifact carries the hash.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, a core.Artifact) error
	GetArtifact(ctx context.Context, workspaceID, artifactID uuid.UUID) (*core.Artifact, error)
	LookupArtifactBySHA(ctx context.Context, workspaceID uuid.UUID, sha256 string) (*core.Artifact, error)
	ListArtifacts(ctx context.Context, workspaceID uuid.UUID, kind *core.ArtifactKind, limit int) ([]core.Artifact, error)
	ListExpiredArtifacts(ctx context.Context, cutoff time.Time) ([]core.Artifact, error)
	TombstoneArtifact(ctx context.Context, artifactID uuid.UUID) error
	CountLiveByStorageKey(ctx context.Context, storageKey string) (int, error)
	ExtendArtifactExpiry(ctx context.Context, artifactID uuid.UUID, until time.Time) error
}

// NonceStore enforces single use of CI request nonces. InsertNonce
// fails REPLAY when the (workspace, nonce) pair was already spent.
type NonceStore interface {
	InsertNonce(ctx context.Context, n core.CINonce) error
	PurgeExpiredNonces(ctx context.Context, before time.Time) (int, error)
}

// AuditStore appends to the per-workspace audit trail. Append assigns
// the monotonic per-workspace sequence number.
type AuditStore interface {
	AppendAudit(ctx context.Context, event core.AuditEvent) (core.AuditEvent, error)
	ListAudit(ctx context.Context, workspaceID uuid.UUID, limit int) ([]core.AuditEvent, error)
}

// CapabilitiesStore keeps exactly one current capability record per
// workspace.
type CapabilitiesStore interface {
	SetCapabilities(ctx context.Context, c core.Capabilities) error
	GetCapabilities(ctx context.Context, workspaceID uuid.UUID) (*core.Capabilities, error)
}

// SigningKeyStore registers bundle verification keys. Rows are never
// deleted.
type SigningKeyStore interface {
	PutSigningKey(ctx context.Context, key core.SigningKey) error
	GetSigningKey(ctx context.Context, keyID string) (*core.SigningKey, error)
	ListSigningKeys(ctx context.Context) ([]core.SigningKey, error)
	RevokeSigningKey(ctx context.Context, keyID string, at time.Time) error
}

// Store is the full persistence surface the service wires once.
type Store interface {
	WorkspaceStore
	IntegrationStore
	CISecretStore
	PipelineStore
	PromptPackStore
	RunStore
	ArtifactStore
	NonceStore
	AuditStore
	CapabilitiesStore
	SigningKeyStore
}
