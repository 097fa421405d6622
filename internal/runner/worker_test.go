package runner

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/backend/internal/blobstore"
	"github.com/edgegate/backend/internal/bundle"
	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/database"
	"github.com/edgegate/backend/internal/hub"
	"github.com/edgegate/backend/internal/queue"
	"github.com/edgegate/backend/internal/secrets"
)

const testMasterKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

type fixture struct {
	store  *database.MemStore
	blobs  *blobstore.Store
	signer *secrets.LocalSigner
	mock   *hub.Mock
	worker *Worker

	workspace uuid.UUID
	pipeline  core.Pipeline
	model     core.Artifact
}

func strptr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := database.NewMemStore()
	blobs := blobstore.New(store, blobstore.NewMemBackend(), core.DefaultLimits())
	env, err := secrets.NewEnvelope("mk-test", testMasterKey)
	require.NoError(t, err)
	signer, err := secrets.NewLocalSigner("key-v1", "")
	require.NoError(t, err)
	mock := hub.NewMock()

	ws := core.Workspace{ID: uuid.New(), Name: "acme", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateWorkspace(ctx, ws))

	ciphertext, wrapped, err := env.Seal([]byte("qai_test_token_1234"))
	require.NoError(t, err)
	require.NoError(t, store.UpsertIntegration(ctx, core.Integration{
		ID:              uuid.New(),
		WorkspaceID:     ws.ID,
		Provider:        "qaihub",
		Status:          core.IntegrationActive,
		TokenCiphertext: ciphertext,
		WrappedDEK:      wrapped,
		TokenLast4:      "1234",
	}))

	model, err := blobs.Put(ctx, ws.ID, core.ArtifactModel, onnxPackage(t), "model.zip")
	require.NoError(t, err)

	pack := core.PromptPack{
		ID:          uuid.New(),
		WorkspaceID: ws.ID,
		LogicalID:   "smoke",
		Version:     "1.0.0",
		Cases: []core.PromptCase{
			{ID: "greet", Prompt: "say hello", Expectation: core.ExpectExact, Expected: "mock completion"},
			{ID: "free", Prompt: "anything", Expectation: core.ExpectNone},
		},
		Published: true,
	}
	sum := sha256.Sum256([]byte(pack.LogicalID + pack.Version))
	pack.SHA256 = hex.EncodeToString(sum[:])
	require.NoError(t, store.CreatePromptPack(ctx, pack))

	pipeline := core.Pipeline{
		ID:            uuid.New(),
		WorkspaceID:   ws.ID,
		Name:          "nightly",
		DeviceMatrix:  []string{"sm8650"},
		PromptPackRef: core.PromptPackRef{LogicalID: "smoke", Version: "1.0.0"},
		Gates: []core.Gate{
			{Metric: "ttft_ms", Op: core.OpLTE, Threshold: 3500, Required: true},
			{Metric: "tokens_per_sec", Op: core.OpGTE, Threshold: 30, Required: true},
		},
		RunPolicy: core.DefaultRunPolicy(),
	}
	require.NoError(t, store.CreatePipeline(ctx, pipeline))

	require.NoError(t, store.SetCapabilities(ctx, core.Capabilities{
		WorkspaceID: ws.ID,
		ProbedAt:    time.Now().UTC(),
		Mapping: core.MetricMapping{
			WorkspaceID: ws.ID,
			Metrics: map[string]core.MetricPath{
				"ttft_ms":           {JSONPath: strptr("$.llm_metrics.time_to_first_token_ms"), Unit: "ms", Stability: core.StabilityStable},
				"tokens_per_sec":    {JSONPath: strptr("$.llm_metrics.tokens_per_second"), Unit: "tok/s", Stability: core.StabilityStable},
				"peak_ram_mb":       {JSONPath: strptr("$.execution_summary.peak_memory_mb"), Unit: "MB", Stability: core.StabilityStable},
				"inference_time_ms": {JSONPath: strptr("$.execution_summary.estimated_inference_time_ms"), Unit: "ms", Stability: core.StabilityStable},
			},
		},
	}))

	worker := New(
		store, blobs, queue.NewMemQueue(), queue.NewMemLock(),
		env, bundle.NewBuilder(signer),
		func(secrets.Token) hub.Backend { return mock },
		slog.Default(),
	).WithPollConfig(time.Millisecond, 4*time.Millisecond)

	return &fixture{
		store:     store,
		blobs:     blobs,
		signer:    signer,
		mock:      mock,
		worker:    worker,
		workspace: ws.ID,
		pipeline:  pipeline,
		model:     model,
	}
}

// onnxPackage builds a minimal valid single-ONNX zip.
func onnxPackage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("model.onnx")
	require.NoError(t, err)
	_, err = w.Write([]byte("onnx-bytes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func (f *fixture) startRun(t *testing.T) core.Run {
	t.Helper()
	run := core.Run{
		ID:              uuid.New(),
		WorkspaceID:     f.workspace,
		PipelineID:      f.pipeline.ID,
		Trigger:         core.TriggerManual,
		ModelArtifactID: f.model.ID,
	}
	require.NoError(t, f.worker.Enqueue(context.Background(), run))
	return run
}

func (f *fixture) getRun(t *testing.T, id uuid.UUID) *core.Run {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), f.workspace, id)
	require.NoError(t, err)
	return run
}

func TestWorker_HappyPathProducesVerifiableBundle(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)

	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunPassed, got.State)
	require.NotNil(t, got.JobSpecArtifactID)
	require.NotNil(t, got.BundleArtifactID)
	assert.NotEmpty(t, got.NormalizedMetrics)

	archive, artifact, err := f.blobs.Get(context.Background(), f.workspace, *got.BundleArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "bundles/"+run.ID.String()+"/evidence.zip", artifact.StorageKey)

	summary, err := bundle.Verify(archive, f.signer.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, string(core.RunPassed), summary.Results.Status)
	assert.Equal(t, run.ID, summary.RunID)
	assert.Len(t, summary.Results.GatesEvaluation, 2)
	assert.Equal(t, f.model.SHA256, summary.Inputs.Model.SHA256)

	// The exact-match case scored 1 on every repeat; the `none` case is
	// excluded, so the device aggregate is 1.
	require.Len(t, summary.Results.Correctness, 1)
	assert.Equal(t, 1.0, summary.Results.Correctness[0].Aggregate)
	assert.Equal(t, 1, summary.Results.Correctness[0].Scored)
}

func TestWorker_JobSpecIsCanonicalAndPinned(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)
	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	specJSON, _, err := f.blobs.Get(context.Background(), f.workspace, *got.JobSpecArtifactID)
	require.NoError(t, err)

	var spec jobSpecDoc
	require.NoError(t, json.Unmarshal(specJSON, &spec))
	assert.Equal(t, run.ID, spec.RunID)
	assert.Equal(t, f.model.SHA256, spec.ModelSHA)
	assert.Equal(t, []string{"sm8650"}, spec.Devices)
	assert.NotEmpty(t, spec.Mapping.Metrics)

	recanon, err := bundle.CanonicalizeJSONBytes(specJSON)
	require.NoError(t, err)
	assert.Equal(t, specJSON, recanon)
}

func TestWorker_MissingRequiredMetricFailsWithCode(t *testing.T) {
	f := newFixture(t)
	// The hub stops reporting token telemetry; ttft_ms yields nothing.
	f.mock.OmitLLMMetrics = true
	run := f.startRun(t)

	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunError, got.State)
	assert.Equal(t, string(core.CodeMissingRequiredMetric), got.ErrorCode)
	assert.Contains(t, got.ErrorDetail, "ttft_ms")
	assert.Nil(t, got.BundleArtifactID)
}

func TestWorker_FlakyRequiredMetricFailsWithCode(t *testing.T) {
	f := newFixture(t)
	f.mock.ProfileJitter = func(n int) float64 { return float64(n*n) * 500 }
	run := f.startRun(t)

	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunError, got.State)
	assert.Equal(t, string(core.CodeFlakyMetric), got.ErrorCode)
}

func TestWorker_SubmitRetriesOnceThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.mock.SubmitFailures = 1
	run := f.startRun(t)

	require.NoError(t, f.worker.Process(context.Background(), run.ID))
	assert.Equal(t, core.RunPassed, f.getRun(t, run.ID).State)
}

func TestWorker_SubmitFailsAfterRetry(t *testing.T) {
	f := newFixture(t)
	f.mock.SubmitFailures = 2
	run := f.startRun(t)

	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunError, got.State)
	assert.Equal(t, string(core.CodeSubmitFailed), got.ErrorCode)
}

func TestWorker_BackendJobFailure(t *testing.T) {
	f := newFixture(t)
	f.mock.FailKinds = map[hub.JobKind]string{hub.KindCompile: "unsupported op"}
	run := f.startRun(t)

	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunError, got.State)
	assert.Equal(t, string(core.CodeBackendJobFailed), got.ErrorCode)
	assert.Contains(t, got.ErrorDetail, "unsupported op")
}

func TestWorker_UnpublishedPromptPackRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := core.PromptPack{
		ID:          uuid.New(),
		WorkspaceID: f.workspace,
		LogicalID:   "draft",
		Version:     "0.1.0",
		SHA256:      "00",
		Cases:       []core.PromptCase{{ID: "a", Prompt: "p", Expectation: core.ExpectNone}},
		Published:   false,
	}
	require.NoError(t, f.store.CreatePromptPack(ctx, draft))

	pipeline := f.pipeline
	pipeline.ID = uuid.New()
	pipeline.PromptPackRef = core.PromptPackRef{LogicalID: "draft", Version: "0.1.0"}
	require.NoError(t, f.store.CreatePipeline(ctx, pipeline))

	run := core.Run{
		ID:              uuid.New(),
		WorkspaceID:     f.workspace,
		PipelineID:      pipeline.ID,
		Trigger:         core.TriggerManual,
		ModelArtifactID: f.model.ID,
	}
	require.NoError(t, f.worker.Enqueue(ctx, run))
	require.NoError(t, f.worker.Process(ctx, run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunError, got.State)
	assert.Equal(t, string(core.CodeDependencyNotPublished), got.ErrorCode)
}

func TestWorker_MissingIntegrationRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.DisableIntegration(context.Background(), f.workspace))
	run := f.startRun(t)

	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunError, got.State)
	assert.Equal(t, string(core.CodeNoIntegration), got.ErrorCode)
}

func TestWorker_MissingPipelineFailsRunCleanly(t *testing.T) {
	f := newFixture(t)
	run := core.Run{
		ID:              uuid.New(),
		WorkspaceID:     f.workspace,
		PipelineID:      uuid.New(), // no such pipeline
		Trigger:         core.TriggerManual,
		ModelArtifactID: f.model.ID,
	}
	require.NoError(t, f.worker.Enqueue(context.Background(), run))

	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunError, got.State)
	assert.Equal(t, string(core.CodeNotFound), got.ErrorCode)
}

func TestWorker_CancelRequestStopsRun(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)
	require.NoError(t, f.store.RequestRunCancel(context.Background(), f.workspace, run.ID))

	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunError, got.State)
	assert.Equal(t, string(core.CodeCancelled), got.ErrorCode)
}

func TestWorker_TimeoutUnderSlowBackend(t *testing.T) {
	f := newFixture(t)
	f.mock.PollsUntilDone = 10000

	var mu sync.Mutex
	current := time.Now()
	f.worker.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(3 * time.Minute)
		return current
	})

	run := f.startRun(t)
	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	got := f.getRun(t, run.ID)
	assert.Equal(t, core.RunError, got.State)
	assert.Equal(t, string(core.CodeTimeout), got.ErrorCode)
}

func TestWorker_WorkspaceBusyRequeuesRun(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)

	// Simulate another run holding the workspace.
	held, err := f.worker.lock.TryAcquire(context.Background(), f.workspace, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, f.worker.Process(context.Background(), run.ID))
	assert.Equal(t, core.RunQueued, f.getRun(t, run.ID).State)

	// Once released, the re-queued run proceeds.
	require.NoError(t, f.worker.lock.Release(context.Background(), f.workspace))
	popped, err := f.worker.queue.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, run.ID, popped)
	// The original enqueue is still in the queue ahead of the requeue.
	require.NoError(t, f.worker.Process(context.Background(), run.ID))
	assert.Equal(t, core.RunPassed, f.getRun(t, run.ID).State)
}

func TestWorker_ResumesInterruptedRun(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)

	// Simulate a crash after the run advanced past queued.
	stored := f.getRun(t, run.ID)
	stored.State = core.RunSubmitting
	require.NoError(t, f.store.UpdateRun(context.Background(), *stored))

	require.NoError(t, f.worker.Process(context.Background(), run.ID))
	assert.Equal(t, core.RunPassed, f.getRun(t, run.ID).State)
}

func TestWorker_AuditTrailRecordsTransitions(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)
	require.NoError(t, f.worker.Process(context.Background(), run.ID))

	events, err := f.store.ListAudit(context.Background(), f.workspace, 0)
	require.NoError(t, err)

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.EventType)
	}
	assert.Contains(t, kinds, "run.queued")
	assert.Contains(t, kinds, "run.state_changed")
	assert.Contains(t, kinds, "bundle.signed")

	// Sequence numbers are strictly monotonic per workspace.
	for i := 1; i < len(events); i++ {
		assert.NotEqual(t, events[i-1].MonotonicSeq, events[i].MonotonicSeq)
	}
}
