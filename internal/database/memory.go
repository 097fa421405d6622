package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/core"
)

// MemStore is the in-memory Store used by tests and by deployments
// without DATABASE_URL configured. All maps are guarded by one mutex;
// contention is not a concern at this scale.
type MemStore struct {
	mu           sync.Mutex
	workspaces   map[uuid.UUID]core.Workspace
	integrations map[uuid.UUID]core.Integration
	ciSecrets    map[uuid.UUID]core.CISecret
	pipelines    map[uuid.UUID]core.Pipeline
	promptPacks  map[uuid.UUID]core.PromptPack
	runs         map[uuid.UUID]core.Run
	artifacts    map[uuid.UUID]core.Artifact
	nonces       map[string]core.CINonce
	audit        []core.AuditEvent
	auditSeq     map[uuid.UUID]int64
	capabilities map[uuid.UUID]core.Capabilities
	signingKeys  map[string]core.SigningKey
	nextAuditID  int64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workspaces:   map[uuid.UUID]core.Workspace{},
		integrations: map[uuid.UUID]core.Integration{},
		ciSecrets:    map[uuid.UUID]core.CISecret{},
		pipelines:    map[uuid.UUID]core.Pipeline{},
		promptPacks:  map[uuid.UUID]core.PromptPack{},
		runs:         map[uuid.UUID]core.Run{},
		artifacts:    map[uuid.UUID]core.Artifact{},
		nonces:       map[string]core.CINonce{},
		auditSeq:     map[uuid.UUID]int64{},
		capabilities: map[uuid.UUID]core.Capabilities{},
		signingKeys:  map[string]core.SigningKey{},
	}
}

// ============================================================================
// WORKSPACES
// ============================================================================

func (m *MemStore) CreateWorkspace(_ context.Context, ws core.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.workspaces {
		if existing.Name == ws.Name {
			return core.E(core.CodeConflict, "workspace name %q already exists", ws.Name)
		}
	}
	m.workspaces[ws.ID] = ws
	return nil
}

func (m *MemStore) GetWorkspace(_ context.Context, id uuid.UUID) (*core.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, core.E(core.CodeNotFound, "workspace %s not found", id)
	}
	return &ws, nil
}

func (m *MemStore) GetWorkspaceByName(_ context.Context, name string) (*core.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ws := range m.workspaces {
		if ws.Name == name {
			copied := ws
			return &copied, nil
		}
	}
	return nil, core.E(core.CodeNotFound, "workspace %q not found", name)
}

func (m *MemStore) ListWorkspaces(_ context.Context) ([]core.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ============================================================================
// INTEGRATIONS AND CI SECRETS
// ============================================================================

func (m *MemStore) UpsertIntegration(_ context.Context, in core.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrations[in.WorkspaceID] = in
	return nil
}

func (m *MemStore) GetIntegration(_ context.Context, workspaceID uuid.UUID) (*core.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.integrations[workspaceID]
	if !ok {
		return nil, core.E(core.CodeNotFound, "no integration for workspace %s", workspaceID)
	}
	return &in, nil
}

func (m *MemStore) DisableIntegration(_ context.Context, workspaceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.integrations[workspaceID]
	if !ok {
		return core.E(core.CodeNotFound, "no integration for workspace %s", workspaceID)
	}
	in.Status = core.IntegrationDisabled
	in.UpdatedAt = time.Now().UTC()
	m.integrations[workspaceID] = in
	return nil
}

func (m *MemStore) UpsertCISecret(_ context.Context, secret core.CISecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ciSecrets[secret.WorkspaceID] = secret
	return nil
}

func (m *MemStore) GetCISecret(_ context.Context, workspaceID uuid.UUID) (*core.CISecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ciSecrets[workspaceID]
	if !ok {
		return nil, core.E(core.CodeNotFound, "no CI secret for workspace %s", workspaceID)
	}
	return &s, nil
}

// ============================================================================
// PIPELINES AND PROMPT PACKS
// ============================================================================

func (m *MemStore) CreatePipeline(_ context.Context, p core.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[p.ID] = p
	return nil
}

func (m *MemStore) GetPipeline(_ context.Context, workspaceID, id uuid.UUID) (*core.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok || p.WorkspaceID != workspaceID {
		return nil, core.E(core.CodeNotFound, "pipeline %s not found", id)
	}
	return &p, nil
}

func (m *MemStore) ListPipelines(_ context.Context, workspaceID uuid.UUID) ([]core.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Pipeline
	for _, p := range m.pipelines {
		if p.WorkspaceID == workspaceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) CreatePromptPack(_ context.Context, p core.PromptPack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.promptPacks {
		if existing.WorkspaceID == p.WorkspaceID &&
			existing.LogicalID == p.LogicalID && existing.Version == p.Version {
			return core.E(core.CodeConflict, "promptpack %s@%s already exists", p.LogicalID, p.Version)
		}
	}
	m.promptPacks[p.ID] = p
	return nil
}

func (m *MemStore) GetPromptPack(_ context.Context, workspaceID uuid.UUID, logicalID, version string) (*core.PromptPack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.promptPacks {
		if p.WorkspaceID == workspaceID && p.LogicalID == logicalID && p.Version == version {
			copied := p
			return &copied, nil
		}
	}
	return nil, core.E(core.CodeNotFound, "promptpack %s@%s not found", logicalID, version)
}

func (m *MemStore) ListPromptPacks(_ context.Context, workspaceID uuid.UUID, logicalID string) ([]core.PromptPack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.PromptPack
	for _, p := range m.promptPacks {
		if p.WorkspaceID == workspaceID && (logicalID == "" || p.LogicalID == logicalID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) MarkPromptPackPublished(_ context.Context, workspaceID uuid.UUID, logicalID, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.promptPacks {
		if p.WorkspaceID == workspaceID && p.LogicalID == logicalID && p.Version == version {
			p.Published = true
			m.promptPacks[id] = p
			return nil
		}
	}
	return core.E(core.CodeNotFound, "promptpack %s@%s not found", logicalID, version)
}

// ============================================================================
// RUNS
// ============================================================================

func (m *MemStore) CreateRun(_ context.Context, r core.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *MemStore) GetRun(_ context.Context, workspaceID, id uuid.UUID) (*core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.WorkspaceID != workspaceID {
		return nil, core.E(core.CodeNotFound, "run %s not found", id)
	}
	return &r, nil
}

func (m *MemStore) UpdateRun(_ context.Context, r core.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return core.E(core.CodeNotFound, "run %s not found", r.ID)
	}
	r.UpdatedAt = time.Now().UTC()
	m.runs[r.ID] = r
	return nil
}

func (m *MemStore) ListRuns(_ context.Context, workspaceID uuid.UUID, pipelineID *uuid.UUID, limit int) ([]core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Run
	for _, r := range m.runs {
		if r.WorkspaceID != workspaceID {
			continue
		}
		if pipelineID != nil && r.PipelineID != *pipelineID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) RequestRunCancel(_ context.Context, workspaceID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.WorkspaceID != workspaceID {
		return core.E(core.CodeNotFound, "run %s not found", id)
	}
	if r.State.IsTerminal() {
		return core.E(core.CodeConflict, "run %s already finished as %s", id, r.State)
	}
	r.CancelRequested = true
	m.runs[id] = r
	return nil
}

func (m *MemStore) ListActiveRuns(_ context.Context) ([]core.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Run
	for _, r := range m.runs {
		if !r.State.IsTerminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ============================================================================
// ARTIFACTS
// ============================================================================

func (m *MemStore) InsertArtifact(_ context.Context, a core.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[a.ID] = a
	return nil
}

func (m *MemStore) GetArtifact(_ context.Context, workspaceID, artifactID uuid.UUID) (*core.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[artifactID]
	if !ok || a.WorkspaceID != workspaceID {
		return nil, core.E(core.CodeNotFound, "artifact %s not found", artifactID)
	}
	return &a, nil
}

func (m *MemStore) LookupArtifactBySHA(_ context.Context, workspaceID uuid.UUID, sha string) (*core.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.artifacts {
		if a.WorkspaceID == workspaceID && a.SHA256 == sha && !a.Tombstoned {
			copied := a
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MemStore) ListArtifacts(_ context.Context, workspaceID uuid.UUID, kind *core.ArtifactKind, limit int) ([]core.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Artifact
	for _, a := range m.artifacts {
		if a.WorkspaceID != workspaceID || a.Tombstoned {
			continue
		}
		if kind != nil && a.Kind != *kind {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ListExpiredArtifacts(_ context.Context, cutoff time.Time) ([]core.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Artifact
	for _, a := range m.artifacts {
		if !a.Tombstoned && a.ExpiresAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemStore) TombstoneArtifact(_ context.Context, artifactID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[artifactID]
	if !ok {
		return core.E(core.CodeNotFound, "artifact %s not found", artifactID)
	}
	a.Tombstoned = true
	m.artifacts[artifactID] = a
	return nil
}

func (m *MemStore) CountLiveByStorageKey(_ context.Context, storageKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.artifacts {
		if a.StorageKey == storageKey && !a.Tombstoned {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ExtendArtifactExpiry(_ context.Context, artifactID uuid.UUID, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[artifactID]
	if !ok {
		return core.E(core.CodeNotFound, "artifact %s not found", artifactID)
	}
	if until.After(a.ExpiresAt) {
		a.ExpiresAt = until
		m.artifacts[artifactID] = a
	}
	return nil
}

// ============================================================================
// NONCES, AUDIT, CAPABILITIES, SIGNING KEYS
// ============================================================================

func (m *MemStore) InsertNonce(_ context.Context, n core.CINonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := n.WorkspaceID.String() + ":" + n.Nonce
	if _, used := m.nonces[key]; used {
		return core.E(core.CodeReplay, "nonce already used")
	}
	m.nonces[key] = n
	return nil
}

func (m *MemStore) PurgeExpiredNonces(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for key, n := range m.nonces {
		if n.ExpiresAt.Before(before) {
			delete(m.nonces, key)
			purged++
		}
	}
	return purged, nil
}

func (m *MemStore) AppendAudit(_ context.Context, event core.AuditEvent) (core.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAuditID++
	m.auditSeq[event.WorkspaceID]++
	event.ID = m.nextAuditID
	event.MonotonicSeq = m.auditSeq[event.WorkspaceID]
	if event.TS.IsZero() {
		event.TS = time.Now().UTC()
	}
	m.audit = append(m.audit, event)
	return event, nil
}

func (m *MemStore) ListAudit(_ context.Context, workspaceID uuid.UUID, limit int) ([]core.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.AuditEvent
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].WorkspaceID == workspaceID {
			out = append(out, m.audit[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) SetCapabilities(_ context.Context, c core.Capabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities[c.WorkspaceID] = c
	return nil
}

func (m *MemStore) GetCapabilities(_ context.Context, workspaceID uuid.UUID) (*core.Capabilities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capabilities[workspaceID]
	if !ok {
		return nil, core.E(core.CodeNotFound, "no capability record for workspace %s", workspaceID)
	}
	return &c, nil
}

func (m *MemStore) PutSigningKey(_ context.Context, key core.SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.signingKeys[key.KeyID]; exists {
		return core.E(core.CodeConflict, "signing key %s already registered", key.KeyID)
	}
	m.signingKeys[key.KeyID] = key
	return nil
}

func (m *MemStore) GetSigningKey(_ context.Context, keyID string) (*core.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.signingKeys[keyID]
	if !ok {
		return nil, core.E(core.CodeNotFound, "signing key %s not found", keyID)
	}
	return &k, nil
}

func (m *MemStore) ListSigningKeys(_ context.Context) ([]core.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.SigningKey, 0, len(m.signingKeys))
	for _, k := range m.signingKeys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) RevokeSigningKey(_ context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.signingKeys[keyID]
	if !ok {
		return core.E(core.CodeNotFound, "signing key %s not found", keyID)
	}
	k.RevokedAt = &at
	m.signingKeys[keyID] = k
	return nil
}
