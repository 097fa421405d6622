package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/audit"
	"github.com/edgegate/backend/internal/blobstore"
	"github.com/edgegate/backend/internal/bundle"
	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
	"github.com/edgegate/backend/internal/gating"
	"github.com/edgegate/backend/internal/hub"
	"github.com/edgegate/backend/internal/metrics"
	"github.com/edgegate/backend/internal/monitoring"
	"github.com/edgegate/backend/internal/pkgval"
	"github.com/edgegate/backend/internal/queue"
	"github.com/edgegate/backend/internal/secrets"
)

const (
	defaultPollBase = 2 * time.Second
	defaultPollCap  = 60 * time.Second

	// lockMargin pads the workspace lock TTL beyond the run timeout so
	// the lock outlives a run that uses its whole budget.
	lockMargin = 5 * time.Minute
)

// BackendFactory builds a hub adapter from a decrypted credential. The
// token never leaves the worker's stack frame.
type BackendFactory func(token secrets.Token) hub.Backend

// Worker drains the run queue and drives each run to a terminal state.
type Worker struct {
	store      database.Store
	blobs      *blobstore.Store
	queue      queue.Queue
	lock       queue.WorkspaceLock
	envelope   *secrets.Envelope
	bundler    *bundle.Builder
	newBackend BackendFactory
	extract    *metrics.Extractor
	audit      *audit.Writer
	log        *slog.Logger

	pollBase time.Duration
	pollCap  time.Duration
	now      func() time.Time
}

func New(
	store database.Store,
	blobs *blobstore.Store,
	q queue.Queue,
	lock queue.WorkspaceLock,
	envelope *secrets.Envelope,
	bundler *bundle.Builder,
	newBackend BackendFactory,
	log *slog.Logger,
) *Worker {
	return &Worker{
		store:      store,
		blobs:      blobs,
		queue:      q,
		lock:       lock,
		envelope:   envelope,
		bundler:    bundler,
		newBackend: newBackend,
		extract:    metrics.NewExtractor(),
		audit:      audit.NewWriter(store, log),
		log:        log,
		pollBase:   defaultPollBase,
		pollCap:    defaultPollCap,
		now:        time.Now,
	}
}

// WithPollConfig overrides the poll backoff, for tests.
func (w *Worker) WithPollConfig(base, cap time.Duration) *Worker {
	w.pollBase, w.pollCap = base, cap
	return w
}

// WithClock overrides the wall clock, for tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Enqueue creates the queued run row and hands it to the queue.
func (w *Worker) Enqueue(ctx context.Context, run core.Run) error {
	run.State = core.RunQueued
	now := w.now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	if err := w.store.CreateRun(ctx, run); err != nil {
		return err
	}
	if err := w.queue.Push(ctx, run.ID); err != nil {
		return err
	}
	monitoring.QueueDepth.Inc()
	w.audit.Record(ctx, run.WorkspaceID, "api", audit.EventRunQueued, map[string]string{
		"run_id":      run.ID.String(),
		"pipeline_id": run.PipelineID.String(),
		"trigger":     string(run.Trigger),
	})
	return nil
}

// Start drains the queue until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for {
		runID, err := w.queue.Pop(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("queue pop failed", slog.Any("error", err))
			continue
		}
		if runID == uuid.Nil {
			continue
		}
		monitoring.QueueDepth.Dec()
		if err := w.Process(ctx, runID); err != nil {
			w.log.Error("run processing failed",
				slog.String("run_id", runID.String()), slog.Any("error", err))
		}
	}
}

// Process executes one run end to end. The per-workspace lock is taken
// before the queued→preparing edge; a workspace with a run already in
// flight re-queues the newcomer.
func (w *Worker) Process(ctx context.Context, runID uuid.UUID) error {
	run, err := w.findRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return nil
	}

	pipeline, err := w.store.GetPipeline(ctx, run.WorkspaceID, run.PipelineID)
	if err != nil {
		return w.fail(ctx, run, core.Wrap(core.CodeNotFound, err, "pipeline %s", run.PipelineID))
	}
	timeout := time.Duration(pipeline.RunPolicy.TimeoutMinutes) * time.Minute

	acquired, err := w.lock.TryAcquire(ctx, run.WorkspaceID, timeout+lockMargin)
	if err != nil {
		return err
	}
	if !acquired {
		w.log.Info("workspace busy, re-queueing run",
			slog.String("workspace_id", run.WorkspaceID.String()),
			slog.String("run_id", run.ID.String()))
		monitoring.QueueDepth.Inc()
		return w.queue.Push(ctx, run.ID)
	}
	defer w.lock.Release(ctx, run.WorkspaceID)

	return w.execute(ctx, run, pipeline)
}

// env carries everything a run accumulates while executing.
type env struct {
	run      *core.Run
	pipeline *core.Pipeline
	pack     *core.PromptPack
	model    core.Artifact
	mapping  core.MetricMapping
	caps     *core.Capabilities
	backend  hub.Backend
	deadline time.Time

	modelData []byte
	token     secrets.Token

	// compileJobs maps the declared device label to its compile job ID;
	// profileJobs and inferJobs collect completed job IDs for the
	// collecting phase.
	compileJobs  map[string]string
	compiledRefs map[string]string
	profileJobs  map[string][]string
	inferJobs    map[string]map[string][]string

	table    *metrics.Table
	scores   []gating.CaseScore
	rawBlobs []bundle.Blob
}

func (w *Worker) execute(ctx context.Context, run *core.Run, pipeline *core.Pipeline) error {
	started := w.now()
	if run.State == core.RunQueued {
		if err := w.advance(ctx, run, core.RunPreparing); err != nil {
			return err
		}
	} else {
		// A worker died mid-run. Job handles were not persisted, so
		// recovery restarts from preparing; hub submissions are
		// idempotent from the service's point of view.
		w.log.Info("resuming interrupted run from preparing",
			slog.String("run_id", run.ID.String()),
			slog.String("persisted_state", string(run.State)))
		run.State = core.RunPreparing
		if err := w.persist(ctx, run); err != nil {
			return err
		}
	}

	e := &env{
		run:          run,
		pipeline:     pipeline,
		compileJobs:  map[string]string{},
		compiledRefs: map[string]string{},
		profileJobs:  map[string][]string{},
		inferJobs:    map[string]map[string][]string{},
		table:        metrics.NewTable(),
	}

	if err := w.prepare(ctx, e); err != nil {
		return w.fail(ctx, run, err)
	}
	if err := w.advance(ctx, run, core.RunSubmitting); err != nil {
		return err
	}
	if err := w.submit(ctx, e); err != nil {
		return w.fail(ctx, run, err)
	}
	if err := w.advance(ctx, run, core.RunRunning); err != nil {
		return err
	}
	if err := w.runJobs(ctx, e); err != nil {
		return w.fail(ctx, run, err)
	}
	if err := w.advance(ctx, run, core.RunCollecting); err != nil {
		return err
	}
	if err := w.collect(ctx, e); err != nil {
		return w.fail(ctx, run, err)
	}
	if err := w.advance(ctx, run, core.RunEvaluating); err != nil {
		return err
	}

	eval := gating.Evaluate(e.table, e.mapping, pipeline.Gates, pipeline.DeviceMatrix)
	for _, g := range eval.Gates {
		monitoring.GateDecisions.WithLabelValues(string(g.Decision)).Inc()
	}
	run.NormalizedMetrics, _ = json.Marshal(e.table.Samples())
	run.GatesEval, _ = json.Marshal(eval)
	if eval.Outcome == core.RunError {
		if err := w.persist(ctx, run); err != nil {
			return err
		}
		return w.fail(ctx, run, core.E(eval.ErrorCode, "%s", eval.ErrorDetail))
	}
	if err := w.advance(ctx, run, core.RunReporting); err != nil {
		return err
	}

	if err := w.report(ctx, e, eval); err != nil {
		return w.fail(ctx, run, err)
	}
	if err := w.advance(ctx, run, eval.Outcome); err != nil {
		return err
	}
	monitoring.RunsCompleted.WithLabelValues(string(eval.Outcome), "").Inc()
	monitoring.RunDuration.WithLabelValues(string(eval.Outcome)).Observe(w.now().Sub(started).Seconds())
	return nil
}

// prepare hydrates and validates everything the run depends on. No
// external I/O happens here except blob reads.
func (w *Worker) prepare(ctx context.Context, e *env) error {
	ref := e.pipeline.PromptPackRef
	pack, err := w.store.GetPromptPack(ctx, e.run.WorkspaceID, ref.LogicalID, ref.Version)
	if err != nil {
		return core.Wrap(core.CodeDependencyNotPublished, err,
			"promptpack %s@%s not found", ref.LogicalID, ref.Version)
	}
	if !pack.Published {
		return core.E(core.CodeDependencyNotPublished,
			"promptpack %s@%s is not published", ref.LogicalID, ref.Version)
	}
	e.pack = pack

	data, model, err := w.blobs.Get(ctx, e.run.WorkspaceID, e.run.ModelArtifactID)
	if err != nil {
		return err
	}
	if _, err := pkgval.ValidateZip(data); err != nil {
		return err
	}
	e.model, e.modelData = model, data

	integration, err := w.store.GetIntegration(ctx, e.run.WorkspaceID)
	if err != nil {
		return core.Wrap(core.CodeNoIntegration, err, "workspace has no backend integration")
	}
	if integration.Status != core.IntegrationActive {
		return core.E(core.CodeNoIntegration, "backend integration is disabled")
	}
	plaintext, err := w.envelope.Open(integration.TokenCiphertext, integration.WrappedDEK)
	if err != nil {
		return err
	}
	e.token = secrets.NewToken(string(plaintext))

	caps, err := w.store.GetCapabilities(ctx, e.run.WorkspaceID)
	switch {
	case err == nil:
		e.caps = caps
		e.mapping = caps.Mapping
	case core.IsCode(err, core.CodeNotFound):
		// No probe has run; every gate on a required metric will fail
		// MISSING_REQUIRED_METRIC at evaluation.
		e.mapping = core.MetricMapping{WorkspaceID: e.run.WorkspaceID, Metrics: map[string]core.MetricPath{}}
	default:
		return err
	}

	spec := jobSpecDoc{
		RunID:         e.run.ID,
		WorkspaceID:   e.run.WorkspaceID,
		PipelineID:    e.pipeline.ID,
		Devices:       e.pipeline.DeviceMatrix,
		Gates:         e.pipeline.Gates,
		Policy:        e.pipeline.RunPolicy,
		PromptPackSHA: pack.SHA256,
		ModelSHA:      model.SHA256,
		Mapping:       e.mapping,
	}
	specJSON, err := bundle.CanonicalJSON(spec)
	if err != nil {
		return fmt.Errorf("encode job spec: %w", err)
	}
	artifact, err := w.blobs.Put(ctx, e.run.WorkspaceID, core.ArtifactJobSpec, specJSON, "job_spec.json")
	if err != nil {
		return err
	}
	e.run.JobSpecArtifactID = &artifact.ID
	return w.persist(ctx, e.run)
}

// jobSpecDoc pins everything the remaining work depends on, so the
// worker past this point is a pure function of this document and the hub.
type jobSpecDoc struct {
	RunID         uuid.UUID          `json:"run_id"`
	WorkspaceID   uuid.UUID          `json:"workspace_id"`
	PipelineID    uuid.UUID          `json:"pipeline_id"`
	Devices       []string           `json:"devices"`
	Gates         []core.Gate        `json:"gates"`
	Policy        core.RunPolicy     `json:"policy"`
	PromptPackSHA string             `json:"promptpack_sha256"`
	ModelSHA      string             `json:"model_sha256"`
	Mapping       core.MetricMapping `json:"metric_mapping"`
}

// submit uploads the model and enqueues one compile job per device.
// Each submission gets exactly one retry before SUBMIT_FAILED.
func (w *Worker) submit(ctx context.Context, e *env) error {
	e.backend = w.newBackend(e.token)
	e.deadline = w.now().Add(time.Duration(e.pipeline.RunPolicy.TimeoutMinutes) * time.Minute)

	start := w.now()
	modelRef, err := e.backend.UploadModel(ctx, e.model.OriginalFilename,
		bytes.NewReader(e.modelData), int64(len(e.modelData)))
	monitoring.ObserveHubCall("upload_model", start, err)
	if err != nil {
		return core.Wrap(core.CodeSubmitFailed, err, "upload model")
	}

	for _, device := range e.pipeline.DeviceMatrix {
		spec := hub.CompileSpec{
			ModelRef:      modelRef,
			Device:        hub.ResolveDevice(device),
			TargetRuntime: hub.TargetQNNDLC,
		}
		jobID, err := w.submitWithRetry(ctx, "compile", func() (string, error) {
			return e.backend.SubmitCompile(ctx, spec)
		})
		if err != nil {
			return err
		}
		e.compileJobs[device] = jobID
	}
	return nil
}

// runJobs awaits compiles, then drives profiling and inference per
// device under the run deadline.
func (w *Worker) runJobs(ctx context.Context, e *env) error {
	policy := e.pipeline.RunPolicy
	for _, device := range e.pipeline.DeviceMatrix {
		job, err := w.awaitJob(ctx, e, e.compileJobs[device])
		if err != nil {
			return err
		}
		e.compiledRefs[device] = job.PayloadRef

		total := policy.WarmupRuns + policy.MeasurementRepeats
		for i := 1; i <= total; i++ {
			spec := hub.ProfileSpec{CompiledRef: job.PayloadRef, Device: hub.ResolveDevice(device)}
			profileID, err := w.submitWithRetry(ctx, "profile", func() (string, error) {
				return e.backend.SubmitProfile(ctx, spec)
			})
			if err != nil {
				return err
			}
			if _, err := w.awaitJob(ctx, e, profileID); err != nil {
				return err
			}
			e.profileJobs[device] = append(e.profileJobs[device], profileID)
		}

		e.inferJobs[device] = map[string][]string{}
		for _, promptCase := range e.pack.Cases {
			for r := 1; r <= policy.MeasurementRepeats; r++ {
				spec := hub.InferenceSpec{
					CompiledRef:  job.PayloadRef,
					Device:       hub.ResolveDevice(device),
					Inputs:       map[string]any{"prompt": promptCase.Prompt},
					MaxNewTokens: policy.MaxNewTokens,
				}
				inferID, err := w.submitWithRetry(ctx, "inference", func() (string, error) {
					return e.backend.SubmitInference(ctx, spec)
				})
				if err != nil {
					return err
				}
				if _, err := w.awaitJob(ctx, e, inferID); err != nil {
					return err
				}
				e.inferJobs[device][promptCase.ID] = append(e.inferJobs[device][promptCase.ID], inferID)
			}
		}
	}
	return nil
}

// collect downloads every payload, extracts metric rows, scores
// inference outputs and gathers the raw documents for the bundle.
func (w *Worker) collect(ctx context.Context, e *env) error {
	policy := e.pipeline.RunPolicy
	for _, device := range e.pipeline.DeviceMatrix {
		for i, jobID := range e.profileJobs[device] {
			payload, err := e.backend.FetchPayload(ctx, jobID)
			if err != nil {
				return core.Wrap(core.CodeBackendJobFailed, err, "fetch profile payload %s", jobID)
			}
			seq := i + 1
			warmup := seq <= policy.WarmupRuns
			if err := e.table.ExtractRow(w.extract, e.mapping, device, seq, warmup, payload); err != nil {
				return err
			}
			e.rawBlobs = append(e.rawBlobs, bundle.Blob{
				Path: fmt.Sprintf("raw/%s/profile-%d.json", device, seq),
				Data: payload,
			})
		}

		for caseID, jobIDs := range e.inferJobs[device] {
			promptCase, ok := findCase(e.pack.Cases, caseID)
			if !ok {
				continue
			}
			for r, jobID := range jobIDs {
				payload, err := e.backend.FetchPayload(ctx, jobID)
				if err != nil {
					return core.Wrap(core.CodeBackendJobFailed, err, "fetch inference payload %s", jobID)
				}
				e.scores = append(e.scores, gating.CaseScore{
					CaseID: caseID,
					Device: device,
					Repeat: r + 1,
					Score:  gating.ScoreOutput(promptCase, outputText(payload)),
				})
				e.rawBlobs = append(e.rawBlobs, bundle.Blob{
					Path: fmt.Sprintf("raw/%s/inference-%s-%d.json", device, caseID, r+1),
					Data: payload,
				})
			}
		}

		// Keep the last job's execution log; failures here only cost
		// the log file, not the run.
		if jobs := e.profileJobs[device]; len(jobs) > 0 {
			if logs, err := e.backend.FetchLogs(ctx, jobs[len(jobs)-1]); err == nil {
				e.rawBlobs = append(e.rawBlobs, bundle.Blob{
					Path: fmt.Sprintf("raw/%s/job.log", device),
					Data: logs,
				})
				if _, err := w.blobs.Put(ctx, e.run.WorkspaceID, core.ArtifactJobLogs, logs,
					fmt.Sprintf("%s-%s.log", e.run.ID, device)); err != nil {
					w.log.Warn("persist job log failed", slog.Any("error", err))
				}
			}
		}
	}
	return nil
}

// report assembles, signs and stores the evidence bundle, then pins
// the artifacts it references for the bundle's lifetime.
func (w *Worker) report(ctx context.Context, e *env, eval gating.Evaluation) error {
	correctness := make([]gating.CorrectnessResult, 0, len(e.pipeline.DeviceMatrix))
	for _, device := range e.pipeline.DeviceMatrix {
		correctness = append(correctness, gating.AggregateCorrectness(device, e.pack.Cases, e.scores))
	}

	blobs := append([]bundle.Blob(nil), e.rawBlobs...)
	capsRef, mappingRef := "", ""
	if e.caps != nil {
		if data, _, err := w.blobs.Get(ctx, e.run.WorkspaceID, e.caps.CapabilitiesBlobID); err == nil {
			capsRef = "capabilities/workspace_capabilities.json"
			blobs = append(blobs, bundle.Blob{Path: capsRef, Data: data})
		}
		if data, _, err := w.blobs.Get(ctx, e.run.WorkspaceID, e.caps.MetricMappingBlobID); err == nil {
			mappingRef = "mapping/metric_mapping.json"
			blobs = append(blobs, bundle.Blob{Path: mappingRef, Data: data})
		}
	}
	if mappingRef == "" {
		if data, err := bundle.CanonicalJSON(e.mapping); err == nil {
			mappingRef = "mapping/metric_mapping.json"
			blobs = append(blobs, bundle.Blob{Path: mappingRef, Data: data})
		}
	}

	devices := make([]bundle.DeviceRef, 0, len(e.pipeline.DeviceMatrix))
	for _, device := range e.pipeline.DeviceMatrix {
		devices = append(devices, bundle.DeviceRef{DeviceID: device, DeviceName: hub.ResolveDevice(device)})
	}

	archive, err := w.bundler.Build(bundle.Input{
		WorkspaceID: e.run.WorkspaceID,
		PipelineID:  e.pipeline.ID,
		RunID:       e.run.ID,
		CreatedAt:   w.now(),
		Model:       bundle.ArtifactRef{ArtifactID: e.model.ID, SHA256: e.model.SHA256},
		PromptPack: bundle.PromptPackRef{
			PromptPackID: e.pack.ID,
			Version:      e.pack.Version,
			SHA256:       e.pack.SHA256,
		},
		Devices:          devices,
		CapabilitiesRef:  capsRef,
		MetricMappingRef: mappingRef,
		Results: bundle.SummaryResults{
			Status:            string(eval.Outcome),
			NormalizedMetrics: e.table.Samples(),
			GatesEvaluation:   eval.Gates,
			Aggregates:        eval.Aggregates,
			Correctness:       correctness,
		},
		Blobs: blobs,
	})
	if err != nil {
		return err
	}

	artifact, err := w.blobs.PutBundle(ctx, e.run.WorkspaceID, e.run.ID, archive)
	if err != nil {
		return core.Wrap(core.CodeBundleFailed, err, "store bundle")
	}
	e.run.BundleArtifactID = &artifact.ID

	// The model and job spec stay retrievable as long as the bundle
	// that references them.
	for _, id := range []uuid.UUID{e.model.ID, *e.run.JobSpecArtifactID} {
		if err := w.blobs.ExtendRetention(ctx, id, artifact.ExpiresAt); err != nil {
			w.log.Warn("extend retention failed",
				slog.String("artifact_id", id.String()), slog.Any("error", err))
		}
	}

	w.audit.Record(ctx, e.run.WorkspaceID, "worker", audit.EventBundleSigned, map[string]string{
		"run_id":      e.run.ID.String(),
		"artifact_id": artifact.ID.String(),
		"sha256":      artifact.SHA256,
	})
	return w.persist(ctx, e.run)
}

// awaitJob polls to completion with exponential backoff, honoring the
// run deadline and cancel requests.
func (w *Worker) awaitJob(ctx context.Context, e *env, jobID string) (hub.Job, error) {
	delay := w.pollBase
	for {
		fresh, err := w.store.GetRun(ctx, e.run.WorkspaceID, e.run.ID)
		if err == nil && fresh.CancelRequested {
			_ = e.backend.CancelJob(ctx, jobID)
			return hub.Job{}, core.E(core.CodeCancelled, "run cancelled by request")
		}
		if w.now().After(e.deadline) {
			_ = e.backend.CancelJob(ctx, jobID)
			return hub.Job{}, core.E(core.CodeTimeout,
				"run exceeded its %d minute budget", e.pipeline.RunPolicy.TimeoutMinutes)
		}

		start := w.now()
		job, err := e.backend.Poll(ctx, jobID)
		monitoring.ObserveHubCall("poll", start, err)
		if err != nil {
			return hub.Job{}, core.Wrap(core.CodeBackendJobFailed, err, "poll job %s", jobID)
		}
		if job.State.Done() {
			if job.State != hub.JobCompleted {
				return hub.Job{}, core.E(core.CodeBackendJobFailed,
					"job %s finished %s: %s", jobID, job.State, job.Reason)
			}
			return job, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return hub.Job{}, ctx.Err()
		}
		if delay *= 2; delay > w.pollCap {
			delay = w.pollCap
		}
	}
}

// submitWithRetry attempts a submission twice before giving up.
func (w *Worker) submitWithRetry(ctx context.Context, operation string, submit func() (string, error)) (string, error) {
	start := w.now()
	jobID, err := submit()
	monitoring.ObserveHubCall(operation, start, err)
	if err == nil {
		return jobID, nil
	}
	w.log.Warn("submission failed, retrying once",
		slog.String("operation", operation), slog.Any("error", err))

	start = w.now()
	jobID, err = submit()
	monitoring.ObserveHubCall(operation, start, err)
	if err != nil {
		return "", core.Wrap(core.CodeSubmitFailed, err, "%s submission failed after retry", operation)
	}
	return jobID, nil
}

// advance takes one state-machine edge, persisting and auditing before
// any further external work happens in the new state.
func (w *Worker) advance(ctx context.Context, run *core.Run, to core.RunState) error {
	if !CanTransition(run.State, to) {
		return core.E(core.CodeInternal, "illegal transition %s -> %s", run.State, to)
	}
	from := run.State
	run.State = to
	if err := w.persist(ctx, run); err != nil {
		run.State = from
		return err
	}
	monitoring.RunTransitions.WithLabelValues(string(from), string(to)).Inc()
	w.audit.Record(ctx, run.WorkspaceID, "worker", audit.EventRunStateChanged, map[string]string{
		"run_id": run.ID.String(),
		"from":   string(from),
		"to":     string(to),
	})
	return nil
}

// fail moves a run to the terminal error state with its code.
func (w *Worker) fail(ctx context.Context, run *core.Run, cause error) error {
	if run.State.IsTerminal() {
		return cause
	}
	code := core.CodeOf(cause)
	from := run.State
	run.State = core.RunError
	run.ErrorCode = string(code)
	run.ErrorDetail = cause.Error()
	if err := w.persist(ctx, run); err != nil {
		return err
	}
	monitoring.RunTransitions.WithLabelValues(string(from), string(core.RunError)).Inc()
	monitoring.RunsCompleted.WithLabelValues(string(core.RunError), string(code)).Inc()
	w.audit.Record(ctx, run.WorkspaceID, "worker", audit.EventRunStateChanged, map[string]string{
		"run_id":     run.ID.String(),
		"from":       string(from),
		"to":         string(core.RunError),
		"error_code": string(code),
	})
	w.log.Error("run failed",
		slog.String("run_id", run.ID.String()),
		slog.String("error_code", string(code)),
		slog.Any("error", cause))
	return nil
}

func (w *Worker) persist(ctx context.Context, run *core.Run) error {
	run.UpdatedAt = w.now().UTC()
	return w.store.UpdateRun(ctx, *run)
}

// findRun locates an active run by ID; the queue only carries run IDs.
func (w *Worker) findRun(ctx context.Context, runID uuid.UUID) (*core.Run, error) {
	active, err := w.store.ListActiveRuns(ctx)
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].ID == runID {
			return &active[i], nil
		}
	}
	return nil, core.E(core.CodeNotFound, "run %s is not active", runID)
}

// outputText pulls the generated text out of an inference payload.
func outputText(payload []byte) string {
	var doc struct {
		Outputs struct {
			Text string `json:"text"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	return doc.Outputs.Text
}

func findCase(cases []core.PromptCase, id string) (core.PromptCase, bool) {
	for _, c := range cases {
		if c.ID == id {
			return c, true
		}
	}
	return core.PromptCase{}, false
}
