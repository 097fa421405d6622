// Package hub is the adapter boundary to the external compute hub that
// compiles, profiles and runs models on physical devices. Everything
// behind the Backend interface is replaceable; the worker and probe
// suite only speak these types.
package hub

import (
	"context"
	"io"
	"strings"
)

// JobState is the lifecycle state of a hub job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Done reports whether the job has reached a final state.
func (s JobState) Done() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobKind distinguishes the three job types a run submits.
type JobKind string

const (
	KindCompile   JobKind = "compile"
	KindProfile   JobKind = "profile"
	KindInference JobKind = "inference"
)

// TargetQNNDLC is the compile target used for all device runs.
const TargetQNNDLC = "qnn_dlc"

// Device describes a physical device the hub can schedule onto.
type Device struct {
	Name       string `json:"name"`
	DeviceID   string `json:"device_id"`
	Chipset    string `json:"chipset"`
	OS         string `json:"os"`
	FormFactor string `json:"form_factor"`
}

// Job is a point-in-time view of a submitted job.
type Job struct {
	ID         string   `json:"id"`
	Kind       JobKind  `json:"kind"`
	State      JobState `json:"state"`
	Reason     string   `json:"reason,omitempty"`
	PayloadRef string   `json:"payload_ref,omitempty"`
}

// CompileSpec describes a compile submission.
type CompileSpec struct {
	ModelRef      string `json:"model_ref"`
	Device        string `json:"device"`
	TargetRuntime string `json:"target_runtime"`
	Options       string `json:"options,omitempty"`
}

// ProfileSpec describes a profile submission against a compiled model.
type ProfileSpec struct {
	CompiledRef string `json:"compiled_ref"`
	Device      string `json:"device"`
}

// InferenceSpec describes an inference submission.
type InferenceSpec struct {
	CompiledRef  string         `json:"compiled_ref"`
	Device       string         `json:"device"`
	Inputs       map[string]any `json:"inputs"`
	MaxNewTokens int            `json:"max_new_tokens,omitempty"`
}

// Backend is the compute hub adapter. Implementations map their own
// failures onto the closed error-code set: authentication problems are
// TOKEN_INVALID, submission problems are SUBMIT_FAILED.
type Backend interface {
	// ValidateToken proves the credential works, typically by listing
	// devices. TOKEN_INVALID when it does not.
	ValidateToken(ctx context.Context) error

	// ListDevices enumerates schedulable devices.
	ListDevices(ctx context.Context) ([]Device, error)

	// UploadModel streams model bytes to the hub and returns an opaque
	// reference usable in compile specs.
	UploadModel(ctx context.Context, name string, r io.Reader, size int64) (string, error)

	// SubmitCompile, SubmitProfile and SubmitInference enqueue jobs and
	// return the hub's job ID immediately.
	SubmitCompile(ctx context.Context, spec CompileSpec) (string, error)
	SubmitProfile(ctx context.Context, spec ProfileSpec) (string, error)
	SubmitInference(ctx context.Context, spec InferenceSpec) (string, error)

	// Poll returns the job's current state without blocking.
	Poll(ctx context.Context, jobID string) (Job, error)

	// FetchPayload downloads a completed job's result document: the raw
	// profile JSON for profile jobs, the output tensors for inference.
	FetchPayload(ctx context.Context, jobID string) ([]byte, error)

	// FetchLogs downloads whatever execution logs the hub kept.
	FetchLogs(ctx context.Context, jobID string) ([]byte, error)

	// CancelJob is best effort; a job that already finished is not an error.
	CancelJob(ctx context.Context, jobID string) error
}

// deviceAliases maps chipset shorthands to the hub's device names so
// pipelines can pin devices by chipset.
var deviceAliases = map[string]string{
	"sm8650":  "Samsung Galaxy S24 (Family)",
	"sm8550":  "Samsung Galaxy S23 (Family)",
	"sm8450":  "Samsung Galaxy S22 (Family)",
	"sm8350":  "Samsung Galaxy S21 (Family)",
	"sm8250":  "Samsung Galaxy S20 (Family)",
	"sa8650":  "SA8650 (Proxy)",
	"sa8775":  "SA8775 (Proxy)",
	"sa8255":  "SA8255 (Proxy)",
	"qcs6490": "QCS6490 (Proxy)",
	"qcs8550": "QCS8550 (Proxy)",
	"rb5":     "RB5 (Proxy)",
	"rb3":     "RB3 Gen 2 (Proxy)",
}

// ResolveDevice expands a chipset alias to the hub device name, or
// returns the input untouched when it is already a device name.
func ResolveDevice(name string) string {
	if mapped, ok := deviceAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return mapped
	}
	return name
}
