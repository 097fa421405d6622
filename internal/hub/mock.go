package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/edgegate/backend/internal/core"
)

// Mock is a deterministic in-process Backend for tests and local
// development. Jobs complete after PollsUntilDone polls; the knobs
// inject the failure modes the worker has to survive.
type Mock struct {
	mu      sync.Mutex
	counter int
	jobs    map[string]*mockJob

	// Devices is the device list served to callers.
	Devices []Device
	// PollsUntilDone is how many Poll calls a job spends running before
	// completing. Zero completes on the first poll.
	PollsUntilDone int
	// FailToken makes ValidateToken and ListDevices fail TOKEN_INVALID.
	FailToken bool
	// SubmitFailures fails this many submissions before succeeding,
	// for exercising the single submit retry.
	SubmitFailures int
	// FailKinds makes jobs of a kind finish failed with the given reason.
	FailKinds map[JobKind]string
	// OmitLLMMetrics drops the llm_metrics section from profile
	// payloads, simulating a hub without token-level telemetry.
	OmitLLMMetrics bool
	// ProfileJitter perturbs the base inference time per submission, as
	// a function of the submission ordinal. Nil means no jitter.
	ProfileJitter func(n int) float64
}

type mockJob struct {
	job     Job
	polls   int
	payload []byte
}

// NewMock returns a mock with three devices and instantly-completing jobs.
func NewMock() *Mock {
	return &Mock{
		jobs: map[string]*mockJob{},
		Devices: []Device{
			{Name: "Samsung Galaxy S24 (Family)", DeviceID: "samsung_galaxy_s24", Chipset: "Snapdragon 8 Gen 3", OS: "Android 14", FormFactor: "phone"},
			{Name: "Samsung Galaxy S23 (Family)", DeviceID: "samsung_galaxy_s23", Chipset: "Snapdragon 8 Gen 2", OS: "Android 13", FormFactor: "phone"},
			{Name: "RB3 Gen 2 (Proxy)", DeviceID: "rb3_gen2", Chipset: "QCS6490", OS: "Linux", FormFactor: "embedded"},
		},
	}
}

func (m *Mock) ValidateToken(ctx context.Context) error {
	if m.FailToken {
		return core.E(core.CodeTokenInvalid, "mock credential rejected")
	}
	return nil
}

func (m *Mock) ListDevices(ctx context.Context) ([]Device, error) {
	if m.FailToken {
		return nil, core.E(core.CodeTokenInvalid, "mock credential rejected")
	}
	return append([]Device(nil), m.Devices...), nil
}

func (m *Mock) UploadModel(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return fmt.Sprintf("mock-model-%d", m.counter), nil
}

func (m *Mock) SubmitCompile(ctx context.Context, spec CompileSpec) (string, error) {
	return m.submit(KindCompile, spec.Device, nil)
}

func (m *Mock) SubmitProfile(ctx context.Context, spec ProfileSpec) (string, error) {
	m.mu.Lock()
	n := m.counter + 1
	m.mu.Unlock()
	return m.submit(KindProfile, spec.Device, m.profilePayload(n))
}

func (m *Mock) SubmitInference(ctx context.Context, spec InferenceSpec) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"outputs": map[string]any{"text": "mock completion"},
		"timing":  map[string]any{"inference_ms": 12.5},
	})
	return m.submit(KindInference, spec.Device, payload)
}

func (m *Mock) submit(kind JobKind, device string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitFailures > 0 {
		m.SubmitFailures--
		return "", core.E(core.CodeSubmitFailed, "mock submission failure injected")
	}
	m.counter++
	id := fmt.Sprintf("mock-%s-%d", kind, m.counter)
	job := Job{ID: id, Kind: kind, State: JobPending, PayloadRef: id + "/payload"}
	if reason, ok := m.FailKinds[kind]; ok {
		job.Reason = reason
	}
	m.jobs[id] = &mockJob{job: job, payload: payload}
	return id, nil
}

func (m *Mock) Poll(ctx context.Context, jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return Job{}, core.E(core.CodeNotFound, "unknown job %s", jobID)
	}
	if mj.job.State.Done() {
		return mj.job, nil
	}
	mj.polls++
	switch {
	case mj.polls <= m.PollsUntilDone:
		mj.job.State = JobRunning
	case mj.job.Reason != "":
		mj.job.State = JobFailed
	default:
		mj.job.State = JobCompleted
	}
	return mj.job, nil
}

func (m *Mock) FetchPayload(ctx context.Context, jobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return nil, core.E(core.CodeNotFound, "unknown job %s", jobID)
	}
	return mj.payload, nil
}

func (m *Mock) FetchLogs(ctx context.Context, jobID string) ([]byte, error) {
	return []byte(fmt.Sprintf("mock execution log for %s\n", jobID)), nil
}

func (m *Mock) CancelJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mj, ok := m.jobs[jobID]; ok && !mj.job.State.Done() {
		mj.job.State = JobCancelled
	}
	return nil
}

// profilePayload builds a raw profile document shaped like the hub's
// real output. The jitter hook lets tests model repeat-to-repeat
// variance without randomness.
func (m *Mock) profilePayload(n int) []byte {
	inferenceMS := 12.5
	if m.ProfileJitter != nil {
		inferenceMS += m.ProfileJitter(n)
	}
	doc := map[string]any{
		"execution_summary": map[string]any{
			"estimated_inference_time_ms": inferenceMS,
			"peak_memory_mb":              45.2,
		},
		"compute_unit_breakdown": map[string]any{
			"npu": 85.0,
			"gpu": 10.0,
			"cpu": 5.0,
		},
	}
	if !m.OmitLLMMetrics {
		doc["llm_metrics"] = map[string]any{
			"time_to_first_token_ms": 180.0 + inferenceMS,
			"tokens_per_second":      42.0,
		}
	}
	payload, _ := json.Marshal(doc)
	return payload
}
