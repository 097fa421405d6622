package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/secrets"
)

// QAIHub talks to the Qualcomm AI Hub REST surface. One client is
// built per run with the workspace's decrypted token; it is never
// shared across workspaces.
type QAIHub struct {
	baseURL string
	token   secrets.Token
	client  *http.Client
}

// NewQAIHub builds a client for the given hub endpoint.
func NewQAIHub(baseURL string, token secrets.Token) *QAIHub {
	return &QAIHub{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (h *QAIHub) ValidateToken(ctx context.Context) error {
	devices, err := h.ListDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return core.E(core.CodeTokenInvalid, "credential accepted but no devices are visible")
	}
	return nil
}

func (h *QAIHub) ListDevices(ctx context.Context) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := h.getJSON(ctx, "/v1/devices", &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (h *QAIHub) UploadModel(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+"/v1/models?name="+url.QueryEscape(name), r)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if size > 0 {
		req.ContentLength = size
	}
	var out struct {
		ModelRef string `json:"model_ref"`
	}
	if err := h.do(req, &out); err != nil {
		return "", core.Wrap(core.CodeSubmitFailed, err, "upload model %s", name)
	}
	return out.ModelRef, nil
}

func (h *QAIHub) SubmitCompile(ctx context.Context, spec CompileSpec) (string, error) {
	spec.Device = ResolveDevice(spec.Device)
	return h.submit(ctx, KindCompile, spec)
}

func (h *QAIHub) SubmitProfile(ctx context.Context, spec ProfileSpec) (string, error) {
	spec.Device = ResolveDevice(spec.Device)
	return h.submit(ctx, KindProfile, spec)
}

func (h *QAIHub) SubmitInference(ctx context.Context, spec InferenceSpec) (string, error) {
	spec.Device = ResolveDevice(spec.Device)
	return h.submit(ctx, KindInference, spec)
}

func (h *QAIHub) submit(ctx context.Context, kind JobKind, spec any) (string, error) {
	body, err := json.Marshal(map[string]any{"kind": kind, "spec": spec})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := h.do(req, &out); err != nil {
		return "", core.Wrap(core.CodeSubmitFailed, err, "submit %s job", kind)
	}
	return out.JobID, nil
}

func (h *QAIHub) Poll(ctx context.Context, jobID string) (Job, error) {
	var job Job
	if err := h.getJSON(ctx, "/v1/jobs/"+url.PathEscape(jobID), &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (h *QAIHub) FetchPayload(ctx context.Context, jobID string) ([]byte, error) {
	return h.getRaw(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/payload")
}

func (h *QAIHub) FetchLogs(ctx context.Context, jobID string) ([]byte, error) {
	return h.getRaw(ctx, "/v1/jobs/"+url.PathEscape(jobID)+"/logs")
}

func (h *QAIHub) CancelJob(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		h.baseURL+"/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return err
	}
	// 409 means the job already finished, which is fine.
	err = h.do(req, nil)
	if err != nil && core.IsCode(err, core.CodeConflict) {
		return nil
	}
	return err
}

func (h *QAIHub) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return err
	}
	return h.do(req, out)
}

func (h *QAIHub) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token.Reveal())
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := h.checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (h *QAIHub) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+h.token.Reveal())
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := h.checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (h *QAIHub) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.E(core.CodeTokenInvalid, "hub rejected credential (status %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return core.E(core.CodeNotFound, "hub resource not found: %s", resp.Request.URL.Path)
	case resp.StatusCode == http.StatusConflict:
		return core.E(core.CodeConflict, "hub conflict on %s", resp.Request.URL.Path)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
}
