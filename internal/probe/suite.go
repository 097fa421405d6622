package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/blobstore"
	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/hub"
	"github.com/edgegate/backend/internal/metrics"
	"github.com/edgegate/backend/internal/pkgval"
)

// Capability IDs every probe record enumerates.
const (
	CapTokenValidation  = "TOKEN_VALIDATION"
	CapDeviceList       = "DEVICE_LIST"
	CapTargetQNNDLC     = "TARGET_QNN_DLC"
	CapONNXExternalData = capONNXExternal
	CapAIMETEncodings   = capAIMET
	CapProfileMetrics   = "PROFILE_METRICS"
	CapInferenceOutputs = "INFERENCE_OUTPUTS"
	CapJobLogs          = "JOB_LOGS"
)

// Result is everything one probe pass learned.
type Result struct {
	Entries          map[string]core.CapabilityEntry
	Mapping          core.MetricMapping
	DevicePrimary    string
	DeviceSecondary  string
	ProfileArtifacts []uuid.UUID
	CapabilitiesBlob core.Artifact
	MappingBlob      core.Artifact
}

// Suite runs the capability discovery sequence against a workspace's
// hub credential. Every step is fail-soft: a failure marks the
// capability unavailable and the sequence continues where it can.
type Suite struct {
	backend  hub.Backend
	store    *blobstore.Store
	extract  *metrics.Extractor
	log      *slog.Logger
	pollTick time.Duration
}

// NewSuite wires a probe suite. pollTick controls how often hub jobs
// are polled; tests shrink it.
func NewSuite(backend hub.Backend, store *blobstore.Store, log *slog.Logger) *Suite {
	return &Suite{
		backend:  backend,
		store:    store,
		extract:  metrics.NewExtractor(),
		log:      log,
		pollTick: 2 * time.Second,
	}
}

// WithPollTick overrides the job poll interval.
func (s *Suite) WithPollTick(d time.Duration) *Suite {
	s.pollTick = d
	return s
}

// Run executes the full probe sequence for a workspace and persists
// the capability and mapping blobs as artifacts.
func (s *Suite) Run(ctx context.Context, workspaceID uuid.UUID) (*Result, error) {
	res := &Result{Entries: map[string]core.CapabilityEntry{}}

	// Token first; without a credential nothing else can be probed.
	if err := s.backend.ValidateToken(ctx); err != nil {
		s.mark(res, CapTokenValidation, false, nil, err.Error())
		s.markAllRemaining(res, "token validation failed")
		return s.finish(ctx, workspaceID, res)
	}
	s.mark(res, CapTokenValidation, true, nil, "")

	devices, err := s.backend.ListDevices(ctx)
	if err != nil || len(devices) == 0 {
		detail := "no devices visible"
		if err != nil {
			detail = err.Error()
		}
		s.mark(res, CapDeviceList, false, nil, detail)
		s.markAllRemaining(res, "no device to probe against")
		return s.finish(ctx, workspaceID, res)
	}
	s.mark(res, CapDeviceList, true, nil, fmt.Sprintf("%d devices", len(devices)))
	res.DevicePrimary = devices[0].Name
	if len(devices) > 1 {
		res.DeviceSecondary = devices[1].Name
	}

	fixtures, err := Fixtures()
	if err != nil {
		return nil, fmt.Errorf("build probe fixtures: %w", err)
	}

	var profilePayloads [][]byte
	var loggedJob string
	for _, fixture := range fixtures {
		entryLog := s.log.With("fixture", fixture.Name, "workspace_id", workspaceID)

		if _, err := pkgval.ValidateZip(fixture.Package); err != nil {
			s.mark(res, fixture.Capability, false, nil, "fixture failed local validation: "+err.Error())
			continue
		}

		compiledRef, jobID, err := s.compileFixture(ctx, fixture, res.DevicePrimary)
		if err != nil {
			entryLog.Warn("probe compile failed", "error", err)
			s.mark(res, fixture.Capability, false, nil, err.Error())
			continue
		}
		loggedJob = jobID
		s.mark(res, fixture.Capability, true, nil, "")

		// Profile twice on the primary device so mapping derivation has
		// two independent payloads to agree on.
		for attempt := 0; attempt < 2; attempt++ {
			payload, err := s.profileOnce(ctx, compiledRef, res.DevicePrimary)
			if err != nil {
				entryLog.Warn("probe profile failed", "attempt", attempt, "error", err)
				continue
			}
			artifact, err := s.store.Put(ctx, workspaceID, core.ArtifactProbeRaw, payload,
				fmt.Sprintf("probe-%s-profile-%d.json", fixture.Name, attempt))
			if err != nil {
				return nil, err
			}
			res.ProfileArtifacts = append(res.ProfileArtifacts, artifact.ID)
			profilePayloads = append(profilePayloads, payload)
		}

		if _, ok := res.Entries[CapInferenceOutputs]; !ok {
			s.probeInference(ctx, workspaceID, res, compiledRef, res.DevicePrimary)
		}
	}

	if len(profilePayloads) > 0 {
		first := res.ProfileArtifacts[0]
		s.mark(res, CapProfileMetrics, true, &first, "")
	} else {
		s.mark(res, CapProfileMetrics, false, nil, "no profile payload collected")
	}
	if _, ok := res.Entries[CapInferenceOutputs]; !ok {
		s.mark(res, CapInferenceOutputs, false, nil, "no inference job completed")
	}

	s.probeLogs(ctx, workspaceID, res, loggedJob)

	res.Mapping = DeriveMapping(s.extract, workspaceID, profilePayloads, res.ProfileArtifacts)
	return s.finish(ctx, workspaceID, res)
}

func (s *Suite) compileFixture(ctx context.Context, fixture Fixture, device string) (compiledRef, jobID string, err error) {
	modelRef, err := s.backend.UploadModel(ctx, fixture.Name+".zip",
		bytes.NewReader(fixture.Package), int64(len(fixture.Package)))
	if err != nil {
		return "", "", err
	}
	jobID, err = s.backend.SubmitCompile(ctx, hub.CompileSpec{
		ModelRef:      modelRef,
		Device:        device,
		TargetRuntime: hub.TargetQNNDLC,
	})
	if err != nil {
		return "", "", err
	}
	job, err := s.await(ctx, jobID)
	if err != nil {
		return "", "", err
	}
	if job.State != hub.JobCompleted {
		return "", "", core.E(core.CodeBackendJobFailed, "compile job %s finished %s: %s", jobID, job.State, job.Reason)
	}
	return job.PayloadRef, jobID, nil
}

func (s *Suite) profileOnce(ctx context.Context, compiledRef, device string) ([]byte, error) {
	jobID, err := s.backend.SubmitProfile(ctx, hub.ProfileSpec{CompiledRef: compiledRef, Device: device})
	if err != nil {
		return nil, err
	}
	job, err := s.await(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != hub.JobCompleted {
		return nil, core.E(core.CodeBackendJobFailed, "profile job %s finished %s: %s", jobID, job.State, job.Reason)
	}
	return s.backend.FetchPayload(ctx, jobID)
}

func (s *Suite) probeInference(ctx context.Context, workspaceID uuid.UUID, res *Result, compiledRef, device string) {
	jobID, err := s.backend.SubmitInference(ctx, hub.InferenceSpec{
		CompiledRef:  compiledRef,
		Device:       device,
		Inputs:       map[string]any{"prompt": "probe"},
		MaxNewTokens: 8,
	})
	if err != nil {
		s.mark(res, CapInferenceOutputs, false, nil, err.Error())
		return
	}
	job, err := s.await(ctx, jobID)
	if err != nil || job.State != hub.JobCompleted {
		detail := "inference job did not complete"
		if err != nil {
			detail = err.Error()
		} else if job.Reason != "" {
			detail = job.Reason
		}
		s.mark(res, CapInferenceOutputs, false, nil, detail)
		return
	}
	payload, err := s.backend.FetchPayload(ctx, jobID)
	if err != nil || len(payload) == 0 {
		s.mark(res, CapInferenceOutputs, false, nil, "inference payload unavailable")
		return
	}
	artifact, err := s.store.Put(ctx, workspaceID, core.ArtifactProbeRaw, payload, "probe-inference.json")
	if err != nil {
		s.mark(res, CapInferenceOutputs, false, nil, err.Error())
		return
	}
	s.mark(res, CapInferenceOutputs, true, &artifact.ID, "")
}

func (s *Suite) probeLogs(ctx context.Context, workspaceID uuid.UUID, res *Result, jobID string) {
	if jobID == "" {
		s.mark(res, CapJobLogs, false, nil, "no completed job to fetch logs for")
		return
	}
	logs, err := s.backend.FetchLogs(ctx, jobID)
	if err != nil || len(logs) == 0 {
		detail := "log payload empty"
		if err != nil {
			detail = err.Error()
		}
		s.mark(res, CapJobLogs, false, nil, detail)
		return
	}
	artifact, err := s.store.Put(ctx, workspaceID, core.ArtifactProbeRaw, logs, "probe-job-logs.txt")
	if err != nil {
		s.mark(res, CapJobLogs, false, nil, err.Error())
		return
	}
	s.mark(res, CapJobLogs, true, &artifact.ID, "")
}

// await polls a job until it reaches a final state or ctx expires.
func (s *Suite) await(ctx context.Context, jobID string) (hub.Job, error) {
	ticker := time.NewTicker(s.pollTick)
	defer ticker.Stop()
	for {
		job, err := s.backend.Poll(ctx, jobID)
		if err != nil {
			return hub.Job{}, err
		}
		if job.State.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return hub.Job{}, core.Wrap(core.CodeTimeout, ctx.Err(), "waiting for job %s", jobID)
		case <-ticker.C:
		}
	}
}

// finish persists the capability and mapping blobs and stamps stability.
func (s *Suite) finish(ctx context.Context, workspaceID uuid.UUID, res *Result) (*Result, error) {
	if res.Mapping.Metrics == nil {
		res.Mapping = core.MetricMapping{
			WorkspaceID: workspaceID,
			GeneratedAt: time.Now().UTC(),
			Metrics:     map[string]core.MetricPath{},
		}
	}

	capsJSON, err := json.MarshalIndent(res.Entries, "", "  ")
	if err != nil {
		return nil, err
	}
	capsBlob, err := s.store.Put(ctx, workspaceID, core.ArtifactCapabilities, capsJSON, "workspace_capabilities.json")
	if err != nil {
		return nil, err
	}
	res.CapabilitiesBlob = capsBlob

	mappingJSON, err := json.MarshalIndent(res.Mapping, "", "  ")
	if err != nil {
		return nil, err
	}
	mappingBlob, err := s.store.Put(ctx, workspaceID, core.ArtifactMetricMapping, mappingJSON, "metric_mapping.json")
	if err != nil {
		return nil, err
	}
	res.MappingBlob = mappingBlob
	return res, nil
}

// mark records a capability entry. Stability is stable for proven
// capabilities with a justifying artifact, unknown for proven ones
// without, and unavailable otherwise.
func (s *Suite) mark(res *Result, capability string, available bool, artifactID *uuid.UUID, detail string) {
	stability := core.StabilityUnavailable
	if available {
		stability = core.StabilityUnknown
		if artifactID != nil {
			stability = core.StabilityStable
		}
	}
	res.Entries[capability] = core.CapabilityEntry{
		Available:  available,
		Stability:  stability,
		ArtifactID: artifactID,
		Detail:     detail,
	}
}

// markAllRemaining fills every capability the sequence never reached.
func (s *Suite) markAllRemaining(res *Result, detail string) {
	for _, capability := range []string{
		CapDeviceList, CapTargetQNNDLC, CapONNXExternalData, CapAIMETEncodings,
		CapProfileMetrics, CapInferenceOutputs, CapJobLogs,
	} {
		if _, ok := res.Entries[capability]; !ok {
			s.mark(res, capability, false, nil, detail)
		}
	}
}
