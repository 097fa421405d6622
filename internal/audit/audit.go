// Package audit records the append-only event trail each workspace
// accumulates. Events carry a per-workspace monotonic sequence so the
// trail orders totally even under concurrent writers.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
)

// Event types. The catalogue is closed on purpose: consumers filter on
// these strings.
const (
	EventWorkspaceCreated   = "workspace.created"
	EventIntegrationSet     = "integration.set"
	EventIntegrationRemoved = "integration.removed"
	EventProbeCompleted     = "probe.completed"
	EventArtifactUploaded   = "artifact.uploaded"
	EventArtifactExpired    = "artifact.expired"
	EventPromptPackCreated  = "promptpack.created"
	EventPromptPackPublish  = "promptpack.published"
	EventPipelineCreated    = "pipeline.created"
	EventPipelineUpdated    = "pipeline.updated"
	EventRunQueued          = "run.queued"
	EventRunStateChanged    = "run.state_changed"
	EventRunCancelRequested = "run.cancel_requested"
	EventBundleSigned       = "bundle.signed"
	EventCISecretIssued     = "ci.secret_issued"
	EventCITriggerAccepted  = "ci.trigger_accepted"
	EventCITriggerRejected  = "ci.trigger_rejected"
	EventSigningKeyRotated  = "signing.key_rotated"
)

// Writer appends audit events. Append failures are logged and
// swallowed: the trail is evidence, not a gate on the operation.
type Writer struct {
	store database.AuditStore
	log   *slog.Logger
}

func NewWriter(store database.AuditStore, log *slog.Logger) *Writer {
	return &Writer{store: store, log: log}
}

// Record appends one event for the workspace.
func (w *Writer) Record(ctx context.Context, workspaceID uuid.UUID, actor, eventType string, payload map[string]string) {
	_, err := w.store.AppendAudit(ctx, core.AuditEvent{
		WorkspaceID: workspaceID,
		Actor:       actor,
		EventType:   eventType,
		Payload:     payload,
	})
	if err != nil {
		w.log.Error("audit append failed",
			slog.String("workspace_id", workspaceID.String()),
			slog.String("event_type", eventType),
			slog.Any("error", err))
	}
}

// List returns the newest events for a workspace, most recent first.
func (w *Writer) List(ctx context.Context, workspaceID uuid.UUID, limit int) ([]core.AuditEvent, error) {
	return w.store.ListAudit(ctx, workspaceID, limit)
}
