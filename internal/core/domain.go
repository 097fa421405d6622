// Package core defines the EdgeGate domain records shared by every
// component: workspaces, integrations, pipelines, prompt packs, runs,
// artifacts, audit events and the closed error-code set.
package core

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// ENUMS
// ============================================================================

// RunState is the lifecycle state of a Run.
type RunState string

const (
	RunQueued     RunState = "queued"
	RunPreparing  RunState = "preparing"
	RunSubmitting RunState = "submitting"
	RunRunning    RunState = "running"
	RunCollecting RunState = "collecting"
	RunEvaluating RunState = "evaluating"
	RunReporting  RunState = "reporting"
	RunPassed     RunState = "passed"
	RunFailed     RunState = "failed"
	RunError      RunState = "error"
)

// IsTerminal reports whether the state admits no further transitions.
func (s RunState) IsTerminal() bool {
	return s == RunPassed || s == RunFailed || s == RunError
}

// RunTrigger records how a run was started.
type RunTrigger string

const (
	TriggerManual RunTrigger = "manual"
	TriggerCI     RunTrigger = "ci"
)

// IntegrationStatus is the lifecycle status of a backend integration.
type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "active"
	IntegrationDisabled IntegrationStatus = "disabled"
)

// ArtifactKind categorizes stored blobs.
type ArtifactKind string

const (
	ArtifactModel          ArtifactKind = "model"
	ArtifactPromptPackJSON ArtifactKind = "promptpack_json"
	ArtifactProbeRaw       ArtifactKind = "probe_raw"
	ArtifactCapabilities   ArtifactKind = "capabilities"
	ArtifactMetricMapping  ArtifactKind = "metric_mapping"
	ArtifactJobSpec        ArtifactKind = "job_spec"
	ArtifactBundle         ArtifactKind = "bundle"
	ArtifactJobLogs        ArtifactKind = "job_logs"
)

// Role is the coarse authorization role attached to an authenticated actor.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// Stability labels how trustworthy a discovered capability or metric
// path is. A path is stable only when two independent probe payloads
// agreed on it.
type Stability string

const (
	StabilityStable      Stability = "stable"
	StabilityUnstable    Stability = "unstable"
	StabilityUnavailable Stability = "unavailable"
	StabilityUnknown     Stability = "unknown"
)

// GateOp is a gate comparison operator.
type GateOp string

const (
	OpLT  GateOp = "lt"
	OpLTE GateOp = "lte"
	OpGT  GateOp = "gt"
	OpGTE GateOp = "gte"
	OpEQ  GateOp = "eq"
)

// ============================================================================
// ENTITIES
// ============================================================================

// Workspace is the tenant boundary. Every other entity carries its ID.
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Integration holds the envelope-sealed backend token for a workspace.
// Token plaintext exists only in worker memory during a run.
type Integration struct {
	ID              uuid.UUID         `json:"id"`
	WorkspaceID     uuid.UUID         `json:"workspace_id"`
	Provider        string            `json:"provider"`
	Status          IntegrationStatus `json:"status"`
	TokenCiphertext []byte            `json:"-"`
	WrappedDEK      []byte            `json:"-"`
	TokenLast4      string            `json:"token_last4"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// CISecret is the envelope-sealed per-workspace CI ingress secret.
// The fingerprint is an argon2id digest used only for audit display;
// verification opens the sealed plaintext and recomputes the HMAC.
type CISecret struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Ciphertext  []byte    `json:"-"`
	WrappedDEK  []byte    `json:"-"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// MetricPath maps a normalized metric name to a JSON-path in the
// backend's profile payload. JSONPath is nil unless a probe proved it.
type MetricPath struct {
	JSONPath  *string   `json:"json_path"`
	Unit      string    `json:"unit"`
	Stability Stability `json:"stability"`
}

// MetricMapping is the per-workspace metric-path document.
type MetricMapping struct {
	WorkspaceID          uuid.UUID             `json:"workspace_id"`
	GeneratedAt          time.Time             `json:"generated_at"`
	Metrics              map[string]MetricPath `json:"metrics"`
	DerivedFromArtifacts []uuid.UUID           `json:"derived_from_artifacts"`
}

// CapabilityEntry is one proven (or disproven) backend capability.
type CapabilityEntry struct {
	Available  bool       `json:"available"`
	Stability  Stability  `json:"stability"`
	ArtifactID *uuid.UUID `json:"artifact_id"`
	Detail     string     `json:"detail,omitempty"`
}

// Capabilities is the current capability record for a workspace.
// Exactly one record is current per workspace.
type Capabilities struct {
	WorkspaceID         uuid.UUID                  `json:"workspace_id"`
	CapabilitiesBlobID  uuid.UUID                  `json:"capabilities_blob_id"`
	MetricMappingBlobID uuid.UUID                  `json:"metric_mapping_blob_id"`
	ProbedAt            time.Time                  `json:"probed_at"`
	SourceProbeRunID    uuid.UUID                  `json:"source_probe_run_id"`
	Entries             map[string]CapabilityEntry `json:"entries"`
	Mapping             MetricMapping              `json:"mapping"`
}

// ExpectationType classifies how a prompt case output is scored.
type ExpectationType string

const (
	ExpectJSONSchema ExpectationType = "json_schema"
	ExpectRegex      ExpectationType = "regex"
	ExpectExact      ExpectationType = "exact"
	ExpectNone       ExpectationType = "none"
)

// PromptCase is a single case in a PromptPack.
type PromptCase struct {
	ID          string          `json:"id"`
	Prompt      string          `json:"prompt"`
	Expectation ExpectationType `json:"expectation"`
	Expected    string          `json:"expected,omitempty"`
}

// PromptPack is a versioned suite of prompt cases. Once published the
// (logical_id, version) pair is immutable.
type PromptPack struct {
	ID          uuid.UUID    `json:"id"`
	WorkspaceID uuid.UUID    `json:"workspace_id"`
	LogicalID   string       `json:"logical_id"`
	Version     string       `json:"version"`
	SHA256      string       `json:"sha256"`
	Cases       []PromptCase `json:"cases"`
	Published   bool         `json:"published"`
	CreatedAt   time.Time    `json:"created_at"`
}

// PromptPackRef pins a pipeline to a promptpack version.
type PromptPackRef struct {
	LogicalID string `json:"logical_id"`
	Version   string `json:"version"`
}

// Gate is a predicate `metric op threshold` with a required flag.
type Gate struct {
	Metric    string  `json:"metric"`
	Op        GateOp  `json:"op"`
	Threshold float64 `json:"threshold"`
	Required  bool    `json:"required"`
}

// RunPolicy bounds a single run's execution.
type RunPolicy struct {
	WarmupRuns         int `json:"warmup_runs"`
	MeasurementRepeats int `json:"measurement_repeats"`
	MaxNewTokens       int `json:"max_new_tokens"`
	TimeoutMinutes     int `json:"timeout_minutes"`
}

// DefaultRunPolicy returns the policy defaults.
func DefaultRunPolicy() RunPolicy {
	return RunPolicy{
		WarmupRuns:         1,
		MeasurementRepeats: 3,
		MaxNewTokens:       128,
		TimeoutMinutes:     20,
	}
}

// Pipeline is a pinned gating configuration.
type Pipeline struct {
	ID            uuid.UUID     `json:"id"`
	WorkspaceID   uuid.UUID     `json:"workspace_id"`
	Name          string        `json:"name"`
	DeviceMatrix  []string      `json:"device_matrix"`
	PromptPackRef PromptPackRef `json:"promptpack_ref"`
	Gates         []Gate        `json:"gates"`
	RunPolicy     RunPolicy     `json:"run_policy"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Artifact is a content-addressed blob record. After expiry the bytes
// are deleted but the row remains as a tombstone so old bundle hash
// references stay attributable.
type Artifact struct {
	ID               uuid.UUID    `json:"id"`
	WorkspaceID      uuid.UUID    `json:"workspace_id"`
	Kind             ArtifactKind `json:"kind"`
	SHA256           string       `json:"sha256"`
	StorageKey       string       `json:"storage_key"`
	Bytes            int64        `json:"bytes"`
	OriginalFilename string       `json:"original_filename"`
	CreatedAt        time.Time    `json:"created_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
	Tombstoned       bool         `json:"tombstoned"`
}

// Run is one execution of a pipeline against a model artifact.
// The state machine is the only writer of State.
type Run struct {
	ID                uuid.UUID  `json:"id"`
	WorkspaceID       uuid.UUID  `json:"workspace_id"`
	PipelineID        uuid.UUID  `json:"pipeline_id"`
	Trigger           RunTrigger `json:"trigger"`
	State             RunState   `json:"state"`
	ModelArtifactID   uuid.UUID  `json:"model_artifact_id"`
	JobSpecArtifactID *uuid.UUID `json:"job_spec_artifact_id,omitempty"`
	NormalizedMetrics []byte     `json:"-"`
	GatesEval         []byte     `json:"-"`
	BundleArtifactID  *uuid.UUID `json:"bundle_artifact_id,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	ErrorDetail       string     `json:"error_detail,omitempty"`
	CancelRequested   bool       `json:"cancel_requested"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// AuditEvent is an append-only audit record. Payload values are plain
// strings; secret material never enters because secrets are typed with
// redacting renderers.
type AuditEvent struct {
	ID           int64             `json:"id"`
	WorkspaceID  uuid.UUID         `json:"workspace_id"`
	Actor        string            `json:"actor"`
	EventType    string            `json:"event_type"`
	Payload      map[string]string `json:"payload"`
	TS           time.Time         `json:"ts"`
	MonotonicSeq int64             `json:"monotonic_seq"`
}

// CINonce proves a CI request nonce has been spent.
type CINonce struct {
	Nonce       string    `json:"nonce"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	UsedAt      time.Time `json:"used_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SigningKey is a registered Ed25519 verification key. Rows are never
// deleted; revocation only stamps RevokedAt.
type SigningKey struct {
	KeyID     string     `json:"key_id"`
	PublicKey []byte     `json:"public_key"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at"`
}
