// edgegate-ci is the gate client a CI job runs: it triggers a pipeline
// run over the HMAC ingress and polls until the run is terminal.
//
// Exit codes: 0 gates passed, 1 gates failed, 2 run errored or the
// wait timed out, 3 configuration or authentication problem.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/ciauth"
)

const (
	exitPassed = 0
	exitFailed = 1
	exitError  = 2
	exitConfig = 3
)

type client struct {
	baseURL   string
	workspace string
	secret    []byte
	http      *http.Client
}

func main() {
	baseURL := flag.String("base-url", envOr("EDGEGATE_URL", "http://localhost:8080"), "EdgeGate API base URL")
	workspace := flag.String("workspace", os.Getenv("EDGEGATE_WORKSPACE"), "workspace UUID")
	secret := flag.String("secret", os.Getenv("EDGEGATE_CI_SECRET"), "CI ingress secret (egci_...)")
	pipeline := flag.String("pipeline", "", "pipeline UUID to run")
	model := flag.String("model-artifact", "", "model artifact UUID to test")
	wait := flag.Duration("wait", 30*time.Minute, "how long to wait for a terminal state")
	poll := flag.Duration("poll", 10*time.Second, "poll interval")
	flag.Parse()

	if *workspace == "" || *secret == "" || *pipeline == "" || *model == "" {
		fmt.Fprintln(os.Stderr, "edgegate-ci: -workspace, -secret, -pipeline and -model-artifact are required")
		os.Exit(exitConfig)
	}
	if _, err := uuid.Parse(*workspace); err != nil {
		fmt.Fprintf(os.Stderr, "edgegate-ci: workspace is not a UUID: %v\n", err)
		os.Exit(exitConfig)
	}

	c := &client{
		baseURL:   *baseURL,
		workspace: *workspace,
		secret:    []byte(*secret),
		http:      &http.Client{Timeout: 30 * time.Second},
	}

	runID, err := c.trigger(*pipeline, *model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegate-ci: trigger failed: %v\n", err)
		os.Exit(exitFor(err))
	}
	fmt.Printf("run %s accepted, waiting up to %s\n", runID, *wait)

	deadline := time.Now().Add(*wait)
	for {
		state, errCode, errDetail, err := c.status(runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "edgegate-ci: poll failed: %v\n", err)
			os.Exit(exitFor(err))
		}
		switch state {
		case "passed":
			fmt.Println("gates passed")
			os.Exit(exitPassed)
		case "failed":
			fmt.Println("gates failed")
			os.Exit(exitFailed)
		case "error":
			fmt.Fprintf(os.Stderr, "run errored: %s: %s\n", errCode, errDetail)
			os.Exit(exitError)
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "gave up waiting, run still %s\n", state)
			os.Exit(exitError)
		}
		fmt.Printf("run %s is %s\n", runID, state)
		time.Sleep(*poll)
	}
}

func (c *client) trigger(pipelineID, modelArtifactID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"pipeline_id":       pipelineID,
		"model_artifact_id": modelArtifactID,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := c.signedRequest(http.MethodPost, "/v1/ci/github/run", body, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *client) status(runID string) (state, errCode, errDetail string, err error) {
	var resp struct {
		State       string `json:"state"`
		ErrorCode   string `json:"error_code"`
		ErrorDetail string `json:"error_detail"`
	}
	if err := c.signedRequest(http.MethodGet, "/v1/ci/runs/"+runID, nil, &resp); err != nil {
		return "", "", "", err
	}
	return resp.State, resp.ErrorCode, resp.ErrorDetail, nil
}

// apiError distinguishes auth-class rejections from the rest so the
// exit code is honest about whose fault the failure is.
type apiError struct {
	Status int
	Code   string
	Detail string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Detail)
}

func exitFor(err error) int {
	if apiErr, ok := err.(*apiError); ok {
		switch apiErr.Status {
		case http.StatusUnauthorized, http.StatusNotFound, http.StatusForbidden:
			return exitConfig
		}
	}
	return exitError
}

func (c *client) signedRequest(method, path string, body []byte, out any) error {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	nonce := uuid.NewString()

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ciauth.HeaderWorkspace, c.workspace)
	req.Header.Set(ciauth.HeaderTimestamp, timestamp)
	req.Header.Set(ciauth.HeaderNonce, nonce)
	req.Header.Set(ciauth.HeaderSignature, ciauth.SignPayload(c.secret, timestamp, nonce, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code   string `json:"code"`
				Detail string `json:"detail"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &envelope)
		return &apiError{Status: resp.StatusCode, Code: envelope.Error.Code, Detail: envelope.Error.Detail}
	}
	return json.Unmarshal(raw, out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
