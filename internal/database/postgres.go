package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/edgegate/backend/internal/core"
)

// Postgres is the production Store backed by database/sql + lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against DATABASE_URL.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

// Ping verifies the connection.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS integrations (
		id UUID PRIMARY KEY,
		workspace_id UUID NOT NULL UNIQUE REFERENCES workspaces(id),
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		token_ciphertext BYTEA NOT NULL,
		wrapped_dek BYTEA NOT NULL,
		token_last4 TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ci_secrets (
		workspace_id UUID PRIMARY KEY REFERENCES workspaces(id),
		ciphertext BYTEA NOT NULL,
		wrapped_dek BYTEA NOT NULL,
		fingerprint TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pipelines (
		id UUID PRIMARY KEY,
		workspace_id UUID NOT NULL REFERENCES workspaces(id),
		name TEXT NOT NULL,
		device_matrix JSONB NOT NULL,
		promptpack_ref JSONB NOT NULL,
		gates JSONB NOT NULL,
		run_policy JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS prompt_packs (
		id UUID PRIMARY KEY,
		workspace_id UUID NOT NULL REFERENCES workspaces(id),
		logical_id TEXT NOT NULL,
		version TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		cases JSONB NOT NULL,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (workspace_id, logical_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id UUID PRIMARY KEY,
		workspace_id UUID NOT NULL REFERENCES workspaces(id),
		pipeline_id UUID NOT NULL REFERENCES pipelines(id),
		trigger_kind TEXT NOT NULL,
		state TEXT NOT NULL,
		model_artifact_id UUID NOT NULL,
		job_spec_artifact_id UUID,
		normalized_metrics JSONB,
		gates_eval JSONB,
		bundle_artifact_id UUID,
		error_code TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_workspace_created_idx ON runs (workspace_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id UUID PRIMARY KEY,
		workspace_id UUID NOT NULL REFERENCES workspaces(id),
		kind TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		bytes BIGINT NOT NULL,
		original_filename TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		tombstoned BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS artifacts_workspace_sha_idx ON artifacts (workspace_id, sha256)`,
	`CREATE INDEX IF NOT EXISTS artifacts_expiry_idx ON artifacts (expires_at) WHERE NOT tombstoned`,
	`CREATE TABLE IF NOT EXISTS ci_nonces (
		workspace_id UUID NOT NULL,
		nonce TEXT NOT NULL,
		used_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workspace_id, nonce)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		workspace_id UUID NOT NULL,
		actor TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		monotonic_seq BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS audit_workspace_seq_idx ON audit_events (workspace_id, monotonic_seq)`,
	`CREATE TABLE IF NOT EXISTS capabilities (
		workspace_id UUID PRIMARY KEY REFERENCES workspaces(id),
		capabilities_blob_id UUID NOT NULL,
		metric_mapping_blob_id UUID NOT NULL,
		probed_at TIMESTAMPTZ NOT NULL,
		source_probe_run_id UUID NOT NULL,
		entries JSONB NOT NULL,
		mapping JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signing_keys (
		key_id TEXT PRIMARY KEY,
		public_key BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,
}

// Migrate applies the schema. force drops every table first; it is a
// deploy-time flag for development databases, never the default.
func (p *Postgres) Migrate(ctx context.Context, force bool) error {
	if force {
		_, err := p.db.ExecContext(ctx, `DROP TABLE IF EXISTS
			signing_keys, capabilities, audit_events, ci_nonces, artifacts,
			runs, prompt_packs, pipelines, ci_secrets, integrations, workspaces CASCADE`)
		if err != nil {
			return fmt.Errorf("drop schema: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ============================================================================
// WORKSPACES
// ============================================================================

func (p *Postgres) CreateWorkspace(ctx context.Context, ws core.Workspace) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES ($1, $2, $3)`,
		ws.ID, ws.Name, ws.CreatedAt)
	if isUniqueViolation(err) {
		return core.E(core.CodeConflict, "workspace name %q already exists", ws.Name)
	}
	return err
}

func (p *Postgres) GetWorkspace(ctx context.Context, id uuid.UUID) (*core.Workspace, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM workspaces WHERE id = $1`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "workspace %s not found", id)
	}
	return ws, err
}

func (p *Postgres) GetWorkspaceByName(ctx context.Context, name string) (*core.Workspace, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM workspaces WHERE name = $1`, name)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "workspace %q not found", name)
	}
	return ws, err
}

func scanWorkspace(row *sql.Row) (*core.Workspace, error) {
	var ws core.Workspace
	if err := row.Scan(&ws.ID, &ws.Name, &ws.CreatedAt); err != nil {
		return nil, err
	}
	return &ws, nil
}

func (p *Postgres) ListWorkspaces(ctx context.Context) ([]core.Workspace, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Workspace
	for rows.Next() {
		var ws core.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// ============================================================================
// INTEGRATIONS AND CI SECRETS
// ============================================================================

func (p *Postgres) UpsertIntegration(ctx context.Context, in core.Integration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO integrations
			(id, workspace_id, provider, status, token_ciphertext, wrapped_dek, token_last4, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workspace_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			status = EXCLUDED.status,
			token_ciphertext = EXCLUDED.token_ciphertext,
			wrapped_dek = EXCLUDED.wrapped_dek,
			token_last4 = EXCLUDED.token_last4,
			updated_at = EXCLUDED.updated_at`,
		in.ID, in.WorkspaceID, in.Provider, in.Status,
		in.TokenCiphertext, in.WrappedDEK, in.TokenLast4, in.CreatedAt, in.UpdatedAt)
	return err
}

func (p *Postgres) GetIntegration(ctx context.Context, workspaceID uuid.UUID) (*core.Integration, error) {
	var in core.Integration
	err := p.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, provider, status, token_ciphertext, wrapped_dek, token_last4, created_at, updated_at
		FROM integrations WHERE workspace_id = $1`, workspaceID).
		Scan(&in.ID, &in.WorkspaceID, &in.Provider, &in.Status,
			&in.TokenCiphertext, &in.WrappedDEK, &in.TokenLast4, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "no integration for workspace %s", workspaceID)
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (p *Postgres) DisableIntegration(ctx context.Context, workspaceID uuid.UUID) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE integrations SET status = $1, updated_at = NOW() WHERE workspace_id = $2`,
		core.IntegrationDisabled, workspaceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.CodeNotFound, "no integration for workspace %s", workspaceID)
	}
	return nil
}

func (p *Postgres) UpsertCISecret(ctx context.Context, secret core.CISecret) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ci_secrets (workspace_id, ciphertext, wrapped_dek, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			wrapped_dek = EXCLUDED.wrapped_dek,
			fingerprint = EXCLUDED.fingerprint,
			created_at = EXCLUDED.created_at`,
		secret.WorkspaceID, secret.Ciphertext, secret.WrappedDEK, secret.Fingerprint, secret.CreatedAt)
	return err
}

func (p *Postgres) GetCISecret(ctx context.Context, workspaceID uuid.UUID) (*core.CISecret, error) {
	var s core.CISecret
	err := p.db.QueryRowContext(ctx, `
		SELECT workspace_id, ciphertext, wrapped_dek, fingerprint, created_at
		FROM ci_secrets WHERE workspace_id = $1`, workspaceID).
		Scan(&s.WorkspaceID, &s.Ciphertext, &s.WrappedDEK, &s.Fingerprint, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "no CI secret for workspace %s", workspaceID)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ============================================================================
// PIPELINES AND PROMPT PACKS
// ============================================================================

func (p *Postgres) CreatePipeline(ctx context.Context, pl core.Pipeline) error {
	devices, _ := json.Marshal(pl.DeviceMatrix)
	packRef, _ := json.Marshal(pl.PromptPackRef)
	gates, _ := json.Marshal(pl.Gates)
	policy, _ := json.Marshal(pl.RunPolicy)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, workspace_id, name, device_matrix, promptpack_ref, gates, run_policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pl.ID, pl.WorkspaceID, pl.Name, devices, packRef, gates, policy, pl.CreatedAt)
	return err
}

func (p *Postgres) GetPipeline(ctx context.Context, workspaceID, id uuid.UUID) (*core.Pipeline, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, device_matrix, promptpack_ref, gates, run_policy, created_at
		FROM pipelines WHERE id = $1 AND workspace_id = $2`, id, workspaceID)
	pl, err := scanPipeline(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "pipeline %s not found", id)
	}
	return pl, err
}

func (p *Postgres) ListPipelines(ctx context.Context, workspaceID uuid.UUID) ([]core.Pipeline, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, device_matrix, promptpack_ref, gates, run_policy, created_at
		FROM pipelines WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Pipeline
	for rows.Next() {
		pl, err := scanPipeline(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *pl)
	}
	return out, rows.Err()
}

func scanPipeline(scan func(...any) error) (*core.Pipeline, error) {
	var pl core.Pipeline
	var devices, packRef, gates, policy []byte
	if err := scan(&pl.ID, &pl.WorkspaceID, &pl.Name, &devices, &packRef, &gates, &policy, &pl.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(devices, &pl.DeviceMatrix); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(packRef, &pl.PromptPackRef); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(gates, &pl.Gates); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(policy, &pl.RunPolicy); err != nil {
		return nil, err
	}
	return &pl, nil
}

func (p *Postgres) CreatePromptPack(ctx context.Context, pack core.PromptPack) error {
	cases, _ := json.Marshal(pack.Cases)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO prompt_packs (id, workspace_id, logical_id, version, sha256, cases, published, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pack.ID, pack.WorkspaceID, pack.LogicalID, pack.Version, pack.SHA256, cases, pack.Published, pack.CreatedAt)
	if isUniqueViolation(err) {
		return core.E(core.CodeConflict, "promptpack %s@%s already exists", pack.LogicalID, pack.Version)
	}
	return err
}

func (p *Postgres) GetPromptPack(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) (*core.PromptPack, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, logical_id, version, sha256, cases, published, created_at
		FROM prompt_packs WHERE workspace_id = $1 AND logical_id = $2 AND version = $3`,
		workspaceID, logicalID, version)
	pack, err := scanPromptPack(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "promptpack %s@%s not found", logicalID, version)
	}
	return pack, err
}

func (p *Postgres) ListPromptPacks(ctx context.Context, workspaceID uuid.UUID, logicalID string) ([]core.PromptPack, error) {
	query := `SELECT id, workspace_id, logical_id, version, sha256, cases, published, created_at
		FROM prompt_packs WHERE workspace_id = $1`
	args := []any{workspaceID}
	if logicalID != "" {
		query += ` AND logical_id = $2`
		args = append(args, logicalID)
	}
	query += ` ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.PromptPack
	for rows.Next() {
		pack, err := scanPromptPack(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *pack)
	}
	return out, rows.Err()
}

func scanPromptPack(scan func(...any) error) (*core.PromptPack, error) {
	var pack core.PromptPack
	var cases []byte
	if err := scan(&pack.ID, &pack.WorkspaceID, &pack.LogicalID, &pack.Version,
		&pack.SHA256, &cases, &pack.Published, &pack.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cases, &pack.Cases); err != nil {
		return nil, err
	}
	return &pack, nil
}

func (p *Postgres) MarkPromptPackPublished(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE prompt_packs SET published = TRUE
		WHERE workspace_id = $1 AND logical_id = $2 AND version = $3`,
		workspaceID, logicalID, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.CodeNotFound, "promptpack %s@%s not found", logicalID, version)
	}
	return nil
}

// ============================================================================
// RUNS
// ============================================================================

func (p *Postgres) CreateRun(ctx context.Context, r core.Run) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO runs
			(id, workspace_id, pipeline_id, trigger_kind, state, model_artifact_id,
			 job_spec_artifact_id, normalized_metrics, gates_eval, bundle_artifact_id,
			 error_code, error_detail, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.WorkspaceID, r.PipelineID, r.Trigger, r.State, r.ModelArtifactID,
		r.JobSpecArtifactID, nullableJSON(r.NormalizedMetrics), nullableJSON(r.GatesEval), r.BundleArtifactID,
		r.ErrorCode, r.ErrorDetail, r.CancelRequested, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *Postgres) GetRun(ctx context.Context, workspaceID, id uuid.UUID) (*core.Run, error) {
	row := p.db.QueryRowContext(ctx, runSelect+` WHERE id = $1 AND workspace_id = $2`, id, workspaceID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "run %s not found", id)
	}
	return r, err
}

func (p *Postgres) UpdateRun(ctx context.Context, r core.Run) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET
			state = $2, job_spec_artifact_id = $3, normalized_metrics = $4, gates_eval = $5,
			bundle_artifact_id = $6, error_code = $7, error_detail = $8,
			cancel_requested = $9, updated_at = NOW()
		WHERE id = $1`,
		r.ID, r.State, r.JobSpecArtifactID, nullableJSON(r.NormalizedMetrics), nullableJSON(r.GatesEval),
		r.BundleArtifactID, r.ErrorCode, r.ErrorDetail, r.CancelRequested)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.CodeNotFound, "run %s not found", r.ID)
	}
	return nil
}

const runSelect = `
	SELECT id, workspace_id, pipeline_id, trigger_kind, state, model_artifact_id,
	       job_spec_artifact_id, normalized_metrics, gates_eval, bundle_artifact_id,
	       error_code, error_detail, cancel_requested, created_at, updated_at
	FROM runs`

func (p *Postgres) ListRuns(ctx context.Context, workspaceID uuid.UUID, pipelineID *uuid.UUID, limit int) ([]core.Run, error) {
	query := runSelect + ` WHERE workspace_id = $1`
	args := []any{workspaceID}
	if pipelineID != nil {
		query += ` AND pipeline_id = $2`
		args = append(args, *pipelineID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *Postgres) RequestRunCancel(ctx context.Context, workspaceID, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND workspace_id = $2 AND state NOT IN ('passed', 'failed', 'error')`,
		id, workspaceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := p.GetRun(ctx, workspaceID, id)
		if err != nil {
			return err
		}
		return core.E(core.CodeConflict, "run %s already finished as %s", id, existing.State)
	}
	return nil
}

func (p *Postgres) ListActiveRuns(ctx context.Context) ([]core.Run, error) {
	rows, err := p.db.QueryContext(ctx,
		runSelect+` WHERE state NOT IN ('passed', 'failed', 'error') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRun(scan func(...any) error) (*core.Run, error) {
	var r core.Run
	var normalized, gatesEval []byte
	if err := scan(&r.ID, &r.WorkspaceID, &r.PipelineID, &r.Trigger, &r.State, &r.ModelArtifactID,
		&r.JobSpecArtifactID, &normalized, &gatesEval, &r.BundleArtifactID,
		&r.ErrorCode, &r.ErrorDetail, &r.CancelRequested, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.NormalizedMetrics = normalized
	r.GatesEval = gatesEval
	return &r, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ============================================================================
// ARTIFACTS
// ============================================================================

func (p *Postgres) InsertArtifact(ctx context.Context, a core.Artifact) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO artifacts
			(id, workspace_id, kind, sha256, storage_key, bytes, original_filename, created_at, expires_at, tombstoned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.WorkspaceID, a.Kind, a.SHA256, a.StorageKey, a.Bytes,
		a.OriginalFilename, a.CreatedAt, a.ExpiresAt, a.Tombstoned)
	return err
}

const artifactSelect = `
	SELECT id, workspace_id, kind, sha256, storage_key, bytes, original_filename, created_at, expires_at, tombstoned
	FROM artifacts`

func (p *Postgres) GetArtifact(ctx context.Context, workspaceID, artifactID uuid.UUID) (*core.Artifact, error) {
	row := p.db.QueryRowContext(ctx,
		artifactSelect+` WHERE id = $1 AND workspace_id = $2`, artifactID, workspaceID)
	a, err := scanArtifact(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "artifact %s not found", artifactID)
	}
	return a, err
}

func (p *Postgres) LookupArtifactBySHA(ctx context.Context, workspaceID uuid.UUID, sha string) (*core.Artifact, error) {
	row := p.db.QueryRowContext(ctx, artifactSelect+`
		WHERE workspace_id = $1 AND sha256 = $2 AND NOT tombstoned
		ORDER BY created_at LIMIT 1`, workspaceID, sha)
	a, err := scanArtifact(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *Postgres) ListArtifacts(ctx context.Context, workspaceID uuid.UUID, kind *core.ArtifactKind, limit int) ([]core.Artifact, error) {
	query := artifactSelect + ` WHERE workspace_id = $1 AND NOT tombstoned`
	args := []any{workspaceID}
	if kind != nil {
		query += ` AND kind = $2`
		args = append(args, *kind)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *Postgres) ListExpiredArtifacts(ctx context.Context, cutoff time.Time) ([]core.Artifact, error) {
	rows, err := p.db.QueryContext(ctx,
		artifactSelect+` WHERE NOT tombstoned AND expires_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *Postgres) TombstoneArtifact(ctx context.Context, artifactID uuid.UUID) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE artifacts SET tombstoned = TRUE WHERE id = $1`, artifactID)
	return err
}

func (p *Postgres) CountLiveByStorageKey(ctx context.Context, storageKey string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE storage_key = $1 AND NOT tombstoned`, storageKey).Scan(&n)
	return n, err
}

func (p *Postgres) ExtendArtifactExpiry(ctx context.Context, artifactID uuid.UUID, until time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE artifacts SET expires_at = GREATEST(expires_at, $2) WHERE id = $1`, artifactID, until)
	return err
}

func scanArtifact(scan func(...any) error) (*core.Artifact, error) {
	var a core.Artifact
	if err := scan(&a.ID, &a.WorkspaceID, &a.Kind, &a.SHA256, &a.StorageKey, &a.Bytes,
		&a.OriginalFilename, &a.CreatedAt, &a.ExpiresAt, &a.Tombstoned); err != nil {
		return nil, err
	}
	return &a, nil
}

// ============================================================================
// NONCES, AUDIT, CAPABILITIES, SIGNING KEYS
// ============================================================================

func (p *Postgres) InsertNonce(ctx context.Context, n core.CINonce) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ci_nonces (workspace_id, nonce, used_at, expires_at)
		VALUES ($1, $2, $3, $4)`,
		n.WorkspaceID, n.Nonce, n.UsedAt, n.ExpiresAt)
	if isUniqueViolation(err) {
		return core.E(core.CodeReplay, "nonce already used")
	}
	return err
}

func (p *Postgres) PurgeExpiredNonces(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM ci_nonces WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) AppendAudit(ctx context.Context, event core.AuditEvent) (core.AuditEvent, error) {
	if event.TS.IsZero() {
		event.TS = time.Now().UTC()
	}
	payload, _ := json.Marshal(event.Payload)
	// The monotonic sequence is assigned inside the insert so two
	// concurrent writers cannot claim the same number.
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO audit_events (workspace_id, actor, event_type, payload, ts, monotonic_seq)
		VALUES ($1, $2, $3, $4, $5,
			COALESCE((SELECT MAX(monotonic_seq) FROM audit_events WHERE workspace_id = $1), 0) + 1)
		RETURNING id, monotonic_seq`,
		event.WorkspaceID, event.Actor, event.EventType, payload, event.TS).
		Scan(&event.ID, &event.MonotonicSeq)
	if isUniqueViolation(err) {
		// Concurrent append claimed the sequence; retry once.
		err = p.db.QueryRowContext(ctx, `
			INSERT INTO audit_events (workspace_id, actor, event_type, payload, ts, monotonic_seq)
			VALUES ($1, $2, $3, $4, $5,
				COALESCE((SELECT MAX(monotonic_seq) FROM audit_events WHERE workspace_id = $1), 0) + 1)
			RETURNING id, monotonic_seq`,
			event.WorkspaceID, event.Actor, event.EventType, payload, event.TS).
			Scan(&event.ID, &event.MonotonicSeq)
	}
	return event, err
}

func (p *Postgres) ListAudit(ctx context.Context, workspaceID uuid.UUID, limit int) ([]core.AuditEvent, error) {
	query := `SELECT id, workspace_id, actor, event_type, payload, ts, monotonic_seq
		FROM audit_events WHERE workspace_id = $1 ORDER BY monotonic_seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.AuditEvent
	for rows.Next() {
		var e core.AuditEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Actor, &e.EventType, &payload, &e.TS, &e.MonotonicSeq); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) SetCapabilities(ctx context.Context, c core.Capabilities) error {
	entries, _ := json.Marshal(c.Entries)
	mapping, _ := json.Marshal(c.Mapping)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO capabilities
			(workspace_id, capabilities_blob_id, metric_mapping_blob_id, probed_at, source_probe_run_id, entries, mapping)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id) DO UPDATE SET
			capabilities_blob_id = EXCLUDED.capabilities_blob_id,
			metric_mapping_blob_id = EXCLUDED.metric_mapping_blob_id,
			probed_at = EXCLUDED.probed_at,
			source_probe_run_id = EXCLUDED.source_probe_run_id,
			entries = EXCLUDED.entries,
			mapping = EXCLUDED.mapping`,
		c.WorkspaceID, c.CapabilitiesBlobID, c.MetricMappingBlobID, c.ProbedAt, c.SourceProbeRunID, entries, mapping)
	return err
}

func (p *Postgres) GetCapabilities(ctx context.Context, workspaceID uuid.UUID) (*core.Capabilities, error) {
	var c core.Capabilities
	var entries, mapping []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT workspace_id, capabilities_blob_id, metric_mapping_blob_id, probed_at, source_probe_run_id, entries, mapping
		FROM capabilities WHERE workspace_id = $1`, workspaceID).
		Scan(&c.WorkspaceID, &c.CapabilitiesBlobID, &c.MetricMappingBlobID, &c.ProbedAt, &c.SourceProbeRunID, &entries, &mapping)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "no capability record for workspace %s", workspaceID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(entries, &c.Entries); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mapping, &c.Mapping); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) PutSigningKey(ctx context.Context, key core.SigningKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO signing_keys (key_id, public_key, created_at, revoked_at)
		VALUES ($1, $2, $3, $4)`,
		key.KeyID, key.PublicKey, key.CreatedAt, key.RevokedAt)
	if isUniqueViolation(err) {
		return core.E(core.CodeConflict, "signing key %s already registered", key.KeyID)
	}
	return err
}

func (p *Postgres) GetSigningKey(ctx context.Context, keyID string) (*core.SigningKey, error) {
	var k core.SigningKey
	err := p.db.QueryRowContext(ctx, `
		SELECT key_id, public_key, created_at, revoked_at FROM signing_keys WHERE key_id = $1`, keyID).
		Scan(&k.KeyID, &k.PublicKey, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.CodeNotFound, "signing key %s not found", keyID)
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (p *Postgres) ListSigningKeys(ctx context.Context) ([]core.SigningKey, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key_id, public_key, created_at, revoked_at FROM signing_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.SigningKey
	for rows.Next() {
		var k core.SigningKey
		if err := rows.Scan(&k.KeyID, &k.PublicKey, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *Postgres) RevokeSigningKey(ctx context.Context, keyID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE signing_keys SET revoked_at = $2 WHERE key_id = $1`, keyID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.CodeNotFound, "signing key %s not found", keyID)
	}
	return nil
}
