// Package api is the control-plane HTTP surface: workspace-scoped
// bearer-token routes for the UI, HMAC routes for CI, and the public
// signing-key endpoint.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/edgegate/backend/internal/audit"
	"github.com/edgegate/backend/internal/blobstore"
	"github.com/edgegate/backend/internal/ciauth"
	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
	"github.com/edgegate/backend/internal/monitoring"
	"github.com/edgegate/backend/internal/probe"
	"github.com/edgegate/backend/internal/promptpack"
	"github.com/edgegate/backend/internal/runner"
	"github.com/edgegate/backend/internal/secrets"
)

// maxJSONBody bounds non-upload request bodies.
const maxJSONBody = 1 << 20

// Server wires the HTTP handlers to the service's components.
type Server struct {
	store      database.Store
	blobs      *blobstore.Store
	worker     *runner.Worker
	packs      *promptpack.Service
	auth       *TokenAuth
	ci         *ciauth.Authenticator
	envelope   *secrets.Envelope
	newBackend runner.BackendFactory
	audit      *audit.Writer
	limits     core.Limits
	log        *slog.Logger

	// probeSync runs capability probes inline instead of in the
	// background; tests set it.
	probeSync bool
}

func NewServer(
	store database.Store,
	blobs *blobstore.Store,
	worker *runner.Worker,
	packs *promptpack.Service,
	auth *TokenAuth,
	ci *ciauth.Authenticator,
	envelope *secrets.Envelope,
	newBackend runner.BackendFactory,
	limits core.Limits,
	log *slog.Logger,
) *Server {
	return &Server{
		store:      store,
		blobs:      blobs,
		worker:     worker,
		packs:      packs,
		auth:       auth,
		ci:         ci,
		envelope:   envelope,
		newBackend: newBackend,
		audit:      audit.NewWriter(store, log),
		limits:     limits,
		log:        log,
	}
}

// WithSyncProbe makes probe requests block until the probe finishes.
func (s *Server) WithSyncProbe() *Server {
	s.probeSync = true
	return s
}

// Routes builds the router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	ws := r.PathPrefix("/v1/workspaces/{w}").Subrouter()
	ws.Handle("/integrations/qaihub", s.authorized(core.RoleAdmin, s.putIntegration)).Methods(http.MethodPost)
	ws.Handle("/integrations/qaihub", s.authorized(core.RoleAdmin, s.deleteIntegration)).Methods(http.MethodDelete)
	ws.Handle("/capabilities/probe", s.authorized(core.RoleAdmin, s.startProbe)).Methods(http.MethodPost)
	ws.Handle("/capabilities", s.authorized(core.RoleViewer, s.getCapabilities)).Methods(http.MethodGet)
	ws.Handle("/ci-secret", s.authorized(core.RoleAdmin, s.issueCISecret)).Methods(http.MethodPost)
	ws.Handle("/promptpacks", s.authorized(core.RoleAdmin, s.createPromptPack)).Methods(http.MethodPost)
	ws.Handle("/promptpacks/{id}/{ver}/publish", s.authorized(core.RoleAdmin, s.publishPromptPack)).Methods(http.MethodPut)
	ws.Handle("/pipelines", s.authorized(core.RoleAdmin, s.createPipeline)).Methods(http.MethodPost)
	ws.Handle("/artifacts", s.authorized(core.RoleAdmin, s.uploadArtifact)).Methods(http.MethodPost)
	ws.Handle("/artifacts/{a}", s.authorized(core.RoleViewer, s.describeArtifact)).Methods(http.MethodGet)
	ws.Handle("/runs", s.authorized(core.RoleAdmin, s.createRun)).Methods(http.MethodPost)
	ws.Handle("/runs/{r}", s.authorized(core.RoleViewer, s.getRun)).Methods(http.MethodGet)
	ws.Handle("/runs/{r}/cancel", s.authorized(core.RoleAdmin, s.cancelRun)).Methods(http.MethodPost)
	ws.Handle("/runs/{r}/bundle", s.authorized(core.RoleViewer, s.getBundle)).Methods(http.MethodGet)

	r.HandleFunc("/v1/ci/github/run", s.ciRun).Methods(http.MethodPost)
	r.HandleFunc("/v1/ci/runs/{r}", s.ciRunStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/ci/status", s.ciStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/signing-keys/{id}", s.getSigningKey).Methods(http.MethodGet)
	return r
}

// authorized enforces the bearer token and binds it to the {w} path
// segment. A valid token for a different workspace sees NOT_FOUND, not
// FORBIDDEN, so resource existence never leaks across tenants.
func (s *Server) authorized(required core.Role, next func(http.ResponseWriter, *http.Request, *tokenClaims, uuid.UUID)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.Verify(bearerToken(r))
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		workspaceID, err := uuid.Parse(mux.Vars(r)["w"])
		if err != nil {
			writeError(w, s.log, core.E(core.CodeNotFound, "workspace not found"))
			return
		}
		if claims.WorkspaceID != workspaceID {
			writeError(w, s.log, core.E(core.CodeNotFound, "workspace not found"))
			return
		}
		if !roleAllows(claims.Role, required) {
			writeError(w, s.log, core.E(core.CodeForbidden, "requires %s role", required))
			return
		}
		next(w, r, claims, workspaceID)
	})
}

// ==== Integrations ====

func (s *Server) putIntegration(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	if len(body.Token) < 8 {
		writeError(w, s.log, core.E(core.CodeTokenInvalid, "token is too short to be a hub credential"))
		return
	}

	token := secrets.NewToken(body.Token)
	ciphertext, wrapped, err := s.envelope.Seal([]byte(token.Reveal()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	now := time.Now().UTC()
	integration := core.Integration{
		ID:              uuid.New(),
		WorkspaceID:     workspaceID,
		Provider:        "qaihub",
		Status:          core.IntegrationActive,
		TokenCiphertext: ciphertext,
		WrappedDEK:      wrapped,
		TokenLast4:      token.Last4(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.UpsertIntegration(r.Context(), integration); err != nil {
		writeError(w, s.log, err)
		return
	}
	s.audit.Record(r.Context(), workspaceID, claims.Actor, audit.EventIntegrationSet, map[string]string{
		"provider":    "qaihub",
		"token_last4": integration.TokenLast4,
	})
	writeJSON(w, http.StatusCreated, map[string]string{
		"provider":    integration.Provider,
		"status":      string(integration.Status),
		"token_last4": integration.TokenLast4,
	})
}

func (s *Server) deleteIntegration(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	if err := s.store.DisableIntegration(r.Context(), workspaceID); err != nil {
		writeError(w, s.log, err)
		return
	}
	s.audit.Record(r.Context(), workspaceID, claims.Actor, audit.EventIntegrationRemoved, map[string]string{
		"provider": "qaihub",
	})
	w.WriteHeader(http.StatusNoContent)
}

// ==== Capabilities ====

func (s *Server) startProbe(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	integration, err := s.store.GetIntegration(r.Context(), workspaceID)
	if err != nil || integration.Status != core.IntegrationActive {
		writeError(w, s.log, core.E(core.CodeNoIntegration, "workspace has no active backend integration"))
		return
	}
	plaintext, err := s.envelope.Open(integration.TokenCiphertext, integration.WrappedDEK)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	token := secrets.NewToken(string(plaintext))

	probeID := uuid.New()
	runProbe := func(ctx context.Context) {
		suite := probe.NewSuite(s.newBackend(token), s.blobs, s.log)
		res, err := suite.Run(ctx, workspaceID)
		if err != nil {
			s.log.Error("capability probe failed",
				slog.String("workspace_id", workspaceID.String()), slog.Any("error", err))
			return
		}
		for capability, entry := range res.Entries {
			monitoring.ProbeCapabilities.WithLabelValues(capability, fmt.Sprintf("%t", entry.Available)).Inc()
		}
		err = s.store.SetCapabilities(ctx, core.Capabilities{
			WorkspaceID:         workspaceID,
			CapabilitiesBlobID:  res.CapabilitiesBlob.ID,
			MetricMappingBlobID: res.MappingBlob.ID,
			ProbedAt:            time.Now().UTC(),
			SourceProbeRunID:    probeID,
			Entries:             res.Entries,
			Mapping:             res.Mapping,
		})
		if err != nil {
			s.log.Error("persist capabilities failed", slog.Any("error", err))
			return
		}
		s.audit.Record(ctx, workspaceID, claims.Actor, audit.EventProbeCompleted, map[string]string{
			"probe_id": probeID.String(),
		})
	}

	if s.probeSync {
		runProbe(r.Context())
	} else {
		go runProbe(context.Background())
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"probe_id": probeID.String(), "status": "probing"})
}

func (s *Server) getCapabilities(w http.ResponseWriter, r *http.Request, _ *tokenClaims, workspaceID uuid.UUID) {
	caps, err := s.store.GetCapabilities(r.Context(), workspaceID)
	if err != nil {
		if core.IsCode(err, core.CodeNotFound) {
			err = core.E(core.CodeNotFound, "no capability record; run a probe first")
		}
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

// ==== CI secrets ====

// issueCISecret generates (or rotates) the workspace's CI ingress
// secret. The plaintext appears in this response and nowhere else;
// rotation invalidates the previous secret immediately.
func (s *Server) issueCISecret(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	secret, err := s.ci.GenerateSecret(r.Context(), workspaceID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	stored, err := s.store.GetCISecret(r.Context(), workspaceID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.audit.Record(r.Context(), workspaceID, claims.Actor, audit.EventCISecretIssued, map[string]string{
		"fingerprint": stored.Fingerprint,
	})
	writeJSON(w, http.StatusCreated, map[string]string{
		"secret":      secret,
		"fingerprint": stored.Fingerprint,
	})
}

// ==== Prompt packs ====

func (s *Server) createPromptPack(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	var body struct {
		LogicalID string            `json:"logical_id"`
		Version   string            `json:"version"`
		Cases     []core.PromptCase `json:"cases"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	pack, err := s.packs.Create(r.Context(), workspaceID, body.LogicalID, body.Version, body.Cases)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.audit.Record(r.Context(), workspaceID, claims.Actor, audit.EventPromptPackCreated, map[string]string{
		"logical_id": pack.LogicalID,
		"version":    pack.Version,
		"sha256":     pack.SHA256,
	})
	writeJSON(w, http.StatusCreated, pack)
}

func (s *Server) publishPromptPack(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	vars := mux.Vars(r)
	pack, err := s.packs.Publish(r.Context(), workspaceID, vars["id"], vars["ver"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.audit.Record(r.Context(), workspaceID, claims.Actor, audit.EventPromptPackPublish, map[string]string{
		"logical_id": pack.LogicalID,
		"version":    pack.Version,
	})
	writeJSON(w, http.StatusOK, pack)
}

// ==== Pipelines ====

func (s *Server) createPipeline(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	var body struct {
		Name          string             `json:"name"`
		DeviceMatrix  []string           `json:"device_matrix"`
		PromptPackRef core.PromptPackRef `json:"promptpack_ref"`
		Gates         []core.Gate        `json:"gates"`
		RunPolicy     *core.RunPolicy    `json:"run_policy"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	if len(body.DeviceMatrix) == 0 {
		writeError(w, s.log, core.E(core.CodeInvalidRequest, "device_matrix must not be empty"))
		return
	}
	if err := s.limits.CheckDevicesPerRun(len(body.DeviceMatrix)); err != nil {
		writeError(w, s.log, err)
		return
	}
	policy := core.DefaultRunPolicy()
	if body.RunPolicy != nil {
		policy = *body.RunPolicy
	}
	if err := s.limits.CheckRunPolicy(policy); err != nil {
		writeError(w, s.log, err)
		return
	}
	for _, gate := range body.Gates {
		switch gate.Op {
		case core.OpLT, core.OpLTE, core.OpGT, core.OpGTE, core.OpEQ:
		default:
			writeError(w, s.log, core.E(core.CodeInvalidRequest, "gate %s has unknown op %q", gate.Metric, gate.Op))
			return
		}
	}
	// The pinned pack must exist, published or not; publishing is
	// checked again at run time.
	if _, err := s.store.GetPromptPack(r.Context(), workspaceID, body.PromptPackRef.LogicalID, body.PromptPackRef.Version); err != nil {
		writeError(w, s.log, err)
		return
	}

	pipeline := core.Pipeline{
		ID:            uuid.New(),
		WorkspaceID:   workspaceID,
		Name:          body.Name,
		DeviceMatrix:  body.DeviceMatrix,
		PromptPackRef: body.PromptPackRef,
		Gates:         body.Gates,
		RunPolicy:     policy,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreatePipeline(r.Context(), pipeline); err != nil {
		writeError(w, s.log, err)
		return
	}
	s.audit.Record(r.Context(), workspaceID, claims.Actor, audit.EventPipelineCreated, map[string]string{
		"pipeline_id": pipeline.ID.String(),
		"name":        pipeline.Name,
	})
	writeJSON(w, http.StatusCreated, pipeline)
}

// ==== Artifacts ====

func (s *Server) uploadArtifact(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, s.log, core.E(core.CodeInvalidRequest, "multipart field %q is required", "file"))
		return
	}
	defer file.Close()

	artifact, err := s.blobs.PutStream(r.Context(), workspaceID, core.ArtifactModel, file, header.Size, header.Filename)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	monitoring.ArtifactBytes.WithLabelValues(string(core.ArtifactModel)).Add(float64(artifact.Bytes))
	s.audit.Record(r.Context(), workspaceID, claims.Actor, audit.EventArtifactUploaded, map[string]string{
		"artifact_id": artifact.ID.String(),
		"sha256":      artifact.SHA256,
	})
	writeJSON(w, http.StatusCreated, artifact)
}

func (s *Server) describeArtifact(w http.ResponseWriter, r *http.Request, _ *tokenClaims, workspaceID uuid.UUID) {
	artifactID, err := uuid.Parse(mux.Vars(r)["a"])
	if err != nil {
		writeError(w, s.log, core.E(core.CodeNotFound, "artifact not found"))
		return
	}
	artifact, err := s.blobs.Describe(r.Context(), workspaceID, artifactID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// ==== Runs ====

func (s *Server) createRun(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	var body struct {
		PipelineID      uuid.UUID `json:"pipeline_id"`
		ModelArtifactID uuid.UUID `json:"model_artifact_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, s.log, err)
		return
	}
	run, err := s.enqueueRun(r.Context(), workspaceID, body.PipelineID, body.ModelArtifactID, core.TriggerManual)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) enqueueRun(ctx context.Context, workspaceID, pipelineID, modelArtifactID uuid.UUID, trigger core.RunTrigger) (*core.Run, error) {
	if _, err := s.store.GetPipeline(ctx, workspaceID, pipelineID); err != nil {
		return nil, err
	}
	if _, err := s.blobs.Describe(ctx, workspaceID, modelArtifactID); err != nil {
		return nil, err
	}
	run := core.Run{
		ID:              uuid.New(),
		WorkspaceID:     workspaceID,
		PipelineID:      pipelineID,
		Trigger:         trigger,
		ModelArtifactID: modelArtifactID,
	}
	if err := s.worker.Enqueue(ctx, run); err != nil {
		return nil, err
	}
	run.State = core.RunQueued
	return &run, nil
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, _ *tokenClaims, workspaceID uuid.UUID) {
	runID, err := uuid.Parse(mux.Vars(r)["r"])
	if err != nil {
		writeError(w, s.log, core.E(core.CodeNotFound, "run not found"))
		return
	}
	run, err := s.store.GetRun(r.Context(), workspaceID, runID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	resp := map[string]any{"run": run}
	if len(run.NormalizedMetrics) > 0 {
		resp["normalized_metrics"] = json.RawMessage(run.NormalizedMetrics)
	}
	if len(run.GatesEval) > 0 {
		resp["gates_evaluation"] = json.RawMessage(run.GatesEval)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, claims *tokenClaims, workspaceID uuid.UUID) {
	runID, err := uuid.Parse(mux.Vars(r)["r"])
	if err != nil {
		writeError(w, s.log, core.E(core.CodeNotFound, "run not found"))
		return
	}
	if err := s.store.RequestRunCancel(r.Context(), workspaceID, runID); err != nil {
		writeError(w, s.log, err)
		return
	}
	s.audit.Record(r.Context(), workspaceID, claims.Actor, audit.EventRunCancelRequested, map[string]string{
		"run_id": runID.String(),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *Server) getBundle(w http.ResponseWriter, r *http.Request, _ *tokenClaims, workspaceID uuid.UUID) {
	runID, err := uuid.Parse(mux.Vars(r)["r"])
	if err != nil {
		writeError(w, s.log, core.E(core.CodeNotFound, "run not found"))
		return
	}
	run, err := s.store.GetRun(r.Context(), workspaceID, runID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if run.BundleArtifactID == nil {
		writeError(w, s.log, core.E(core.CodeNotFound, "run %s has no bundle", runID))
		return
	}
	rc, artifact, err := s.blobs.Open(r.Context(), workspaceID, *run.BundleArtifactID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="evidence.zip"`)
	w.Header().Set("X-Content-SHA256", artifact.SHA256)
	_, _ = io.Copy(w, rc)
}

// ==== CI ingress ====

func (s *Server) ciRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		writeError(w, s.log, core.E(core.CodeInvalidSignature, "unreadable body"))
		return
	}
	workspaceID, err := s.verifyCI(r, body)
	if err != nil {
		monitoring.CIRequests.WithLabelValues("rejected").Inc()
		s.auditCIRejection(r.Context(), err)
		writeError(w, s.log, err)
		return
	}

	var req struct {
		PipelineID      uuid.UUID `json:"pipeline_id"`
		ModelArtifactID uuid.UUID `json:"model_artifact_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, s.log, core.E(core.CodeInvalidRequest, "body is not valid JSON"))
		return
	}
	run, err := s.enqueueRun(r.Context(), workspaceID, req.PipelineID, req.ModelArtifactID, core.TriggerCI)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	monitoring.CIRequests.WithLabelValues("accepted").Inc()
	s.audit.Record(r.Context(), workspaceID, "ci", audit.EventCITriggerAccepted, map[string]string{
		"run_id":      run.ID.String(),
		"pipeline_id": req.PipelineID.String(),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": run.ID.String(),
		"state":  string(run.State),
	})
}

// ciRunStatus lets a CI caller poll a run it triggered using the same
// HMAC scheme as the trigger; CI holds no bearer token.
func (s *Server) ciRunStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := s.verifyCI(r, nil)
	if err != nil {
		monitoring.CIRequests.WithLabelValues("rejected").Inc()
		writeError(w, s.log, err)
		return
	}
	runID, err := uuid.Parse(mux.Vars(r)["r"])
	if err != nil {
		writeError(w, s.log, core.E(core.CodeNotFound, "run not found"))
		return
	}
	run, err := s.store.GetRun(r.Context(), workspaceID, runID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	monitoring.CIRequests.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id":       run.ID.String(),
		"state":        string(run.State),
		"error_code":   run.ErrorCode,
		"error_detail": run.ErrorDetail,
	})
}

func (s *Server) ciStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := s.verifyCI(r, nil)
	if err != nil {
		monitoring.CIRequests.WithLabelValues("rejected").Inc()
		writeError(w, s.log, err)
		return
	}
	monitoring.CIRequests.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"workspace_id": workspaceID.String(),
	})
}

func (s *Server) verifyCI(r *http.Request, body []byte) (uuid.UUID, error) {
	return s.ci.Verify(r.Context(), ciauth.Request{
		WorkspaceID: r.Header.Get(ciauth.HeaderWorkspace),
		Timestamp:   r.Header.Get(ciauth.HeaderTimestamp),
		Nonce:       r.Header.Get(ciauth.HeaderNonce),
		Signature:   r.Header.Get(ciauth.HeaderSignature),
		Body:        body,
	})
}

func (s *Server) auditCIRejection(ctx context.Context, cause error) {
	// Rejections with a known workspace are worth recording; the rest
	// have nowhere to attach.
	if core.IsCode(cause, core.CodeUnknownWorkspace) {
		return
	}
	// The failing workspace ID is not threaded through the error, so
	// only the code is logged.
	s.log.Warn("ci request rejected", slog.String("code", string(core.CodeOf(cause))))
}

// ==== Signing keys ====

func (s *Server) getSigningKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.store.GetSigningKey(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	resp := map[string]any{
		"key_id":     key.KeyID,
		"algo":       "ed25519",
		"public_key": base64.StdEncoding.EncodeToString(key.PublicKey),
		"created_at": key.CreatedAt,
	}
	if key.RevokedAt != nil {
		resp["revoked_at"] = key.RevokedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return core.E(core.CodeInvalidRequest, "body is not valid JSON: %v", err)
	}
	return nil
}
