package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"html/template"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/gating"
	"github.com/edgegate/backend/internal/metrics"
	"github.com/edgegate/backend/internal/secrets"
)

// Version stamped into every summary.
const Version = "1.0"

// Summary is the normative bundle summary. Its canonical-JSON bytes
// are what summary.sig signs; field tags, not field order, define the
// wire form.
type Summary struct {
	BundleVersion    string         `json:"bundle_version"`
	WorkspaceID      uuid.UUID      `json:"workspace_id"`
	PipelineID       uuid.UUID      `json:"pipeline_id"`
	RunID            uuid.UUID      `json:"run_id"`
	CreatedAt        time.Time      `json:"created_at"`
	Inputs           SummaryInputs  `json:"inputs"`
	CapabilitiesRef  string         `json:"capabilities_ref"`
	MetricMappingRef string         `json:"metric_mapping_ref"`
	Results          SummaryResults `json:"results"`
	Artifacts        []FileDigest   `json:"artifacts"`
	Signing          SigningInfo    `json:"signing"`
}

type SummaryInputs struct {
	Model      ArtifactRef   `json:"model"`
	PromptPack PromptPackRef `json:"promptpack"`
	Devices    []DeviceRef   `json:"devices"`
}

type ArtifactRef struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	SHA256     string    `json:"sha256"`
}

type PromptPackRef struct {
	PromptPackID uuid.UUID `json:"promptpack_id"`
	Version      string    `json:"version"`
	SHA256       string    `json:"sha256"`
}

type DeviceRef struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

type SummaryResults struct {
	Status            string                     `json:"status"`
	NormalizedMetrics []metrics.Sample           `json:"normalized_metrics"`
	GatesEvaluation   []gating.GateResult        `json:"gates_evaluation"`
	Aggregates        []gating.Aggregate         `json:"aggregates,omitempty"`
	Correctness       []gating.CorrectnessResult `json:"correctness,omitempty"`
	ErrorCode         string                     `json:"error_code,omitempty"`
	ErrorDetail       string                     `json:"error_detail,omitempty"`
}

type SigningInfo struct {
	Algo        string `json:"algo"`
	PublicKeyID string `json:"public_key_id"`
}

// FileDigest is one artifacts.json entry.
type FileDigest struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Blob is an extra file carried in the archive under its path, e.g.
// raw/<device>/profile-1.json or mapping/metric_mapping.json.
type Blob struct {
	Path string
	Data []byte
}

// Input is everything the builder needs to assemble a bundle.
type Input struct {
	WorkspaceID      uuid.UUID
	PipelineID       uuid.UUID
	RunID            uuid.UUID
	CreatedAt        time.Time
	Model            ArtifactRef
	PromptPack       PromptPackRef
	Devices          []DeviceRef
	CapabilitiesRef  string
	MetricMappingRef string
	Results          SummaryResults
	Blobs            []Blob
}

// Builder signs summaries with the service signing key.
type Builder struct {
	signer secrets.Signer
}

// NewBuilder returns a bundle builder.
func NewBuilder(signer secrets.Signer) *Builder {
	return &Builder{signer: signer}
}

// Build assembles the evidence zip. Any assembly or signing failure is
// BUNDLE_FAILED; a partial archive is never returned.
func (b *Builder) Build(in Input) ([]byte, error) {
	summary := Summary{
		BundleVersion:    Version,
		WorkspaceID:      in.WorkspaceID,
		PipelineID:       in.PipelineID,
		RunID:            in.RunID,
		CreatedAt:        in.CreatedAt.UTC(),
		Inputs:           SummaryInputs{Model: in.Model, PromptPack: in.PromptPack, Devices: in.Devices},
		CapabilitiesRef:  in.CapabilitiesRef,
		MetricMappingRef: in.MetricMappingRef,
		Results:          in.Results,
		Signing:          SigningInfo{Algo: "ed25519", PublicKeyID: b.signer.CurrentKeyID()},
	}

	// Digest the carried blobs first; the summary's artifact list
	// covers every file except summary.sig and artifacts.json itself.
	blobs := append([]Blob(nil), in.Blobs...)
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Path < blobs[j].Path })
	for _, blob := range blobs {
		summary.Artifacts = append(summary.Artifacts, digest(blob.Path, blob.Data))
	}

	canonical, err := CanonicalJSON(summary)
	if err != nil {
		return nil, core.Wrap(core.CodeBundleFailed, err, "canonicalize summary")
	}
	keyID, sig, err := b.signer.Sign(canonical)
	if err != nil {
		return nil, core.Wrap(core.CodeBundleFailed, err, "sign summary")
	}
	if keyID != summary.Signing.PublicKeyID {
		return nil, core.E(core.CodeBundleFailed, "signing key rotated mid-build")
	}

	report, err := renderReport(summary)
	if err != nil {
		return nil, core.Wrap(core.CodeBundleFailed, err, "render report")
	}

	// artifacts.json covers every other file, summary.json included.
	digests := append([]FileDigest{
		digest("summary.json", canonical),
		digest("report.html", report),
	}, summary.Artifacts...)
	sort.Slice(digests, func(i, j int) bool { return digests[i].Path < digests[j].Path })
	artifactsJSON, err := CanonicalJSON(digests)
	if err != nil {
		return nil, core.Wrap(core.CodeBundleFailed, err, "canonicalize artifacts index")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []Blob{
		{Path: "summary.json", Data: canonical},
		{Path: "summary.sig", Data: []byte(base64.StdEncoding.EncodeToString(sig))},
		{Path: "report.html", Data: report},
		{Path: "artifacts.json", Data: artifactsJSON},
	}
	files = append(files, blobs...)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Path, Method: zip.Deflate})
		if err != nil {
			return nil, core.Wrap(core.CodeBundleFailed, err, "create %s", f.Path)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, core.Wrap(core.CodeBundleFailed, err, "write %s", f.Path)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, core.Wrap(core.CodeBundleFailed, err, "finalize archive")
	}
	return buf.Bytes(), nil
}

func digest(path string, data []byte) FileDigest {
	sum := sha256.Sum256(data)
	return FileDigest{Path: path, SHA256: hex.EncodeToString(sum[:]), Bytes: int64(len(data))}
}

// Verify checks a bundle without any server state beyond the public
// key: the signature over summary.json's canonical bytes, and every
// artifacts.json digest against the archive contents.
func Verify(bundleZip []byte, lookupKey func(keyID string) (ed25519.PublicKey, bool)) (*Summary, error) {
	zr, err := zip.NewReader(bytes.NewReader(bundleZip), int64(len(bundleZip)))
	if err != nil {
		return nil, core.Wrap(core.CodeIntegrityError, err, "bundle is not a readable zip")
	}

	contents := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, core.Wrap(core.CodeIntegrityError, err, "open %s", f.Name)
		}
		data := make([]byte, 0, f.UncompressedSize64)
		buf := bytes.NewBuffer(data)
		if _, err := buf.ReadFrom(rc); err != nil {
			rc.Close()
			return nil, core.Wrap(core.CodeIntegrityError, err, "read %s", f.Name)
		}
		rc.Close()
		contents[f.Name] = buf.Bytes()
	}

	summaryBytes, ok := contents["summary.json"]
	if !ok {
		return nil, core.E(core.CodeIntegrityError, "bundle missing summary.json")
	}
	sigB64, ok := contents["summary.sig"]
	if !ok {
		return nil, core.E(core.CodeIntegrityError, "bundle missing summary.sig")
	}

	var summary Summary
	if err := json.Unmarshal(summaryBytes, &summary); err != nil {
		return nil, core.Wrap(core.CodeIntegrityError, err, "parse summary.json")
	}

	canonical, err := CanonicalizeJSONBytes(summaryBytes)
	if err != nil {
		return nil, core.Wrap(core.CodeIntegrityError, err, "canonicalize summary.json")
	}
	if !bytes.Equal(canonical, summaryBytes) {
		return nil, core.E(core.CodeIntegrityError, "summary.json is not in canonical form")
	}

	sig, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(sigB64)))
	if err != nil {
		return nil, core.Wrap(core.CodeInvalidSignature, err, "decode summary.sig")
	}
	pub, ok := lookupKey(summary.Signing.PublicKeyID)
	if !ok {
		return nil, core.E(core.CodeInvalidSignature, "unknown signing key %s", summary.Signing.PublicKeyID)
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return nil, core.E(core.CodeInvalidSignature, "summary signature does not verify")
	}

	// Every digest listed in artifacts.json must match the archive.
	if artifactsJSON, ok := contents["artifacts.json"]; ok {
		var digests []FileDigest
		if err := json.Unmarshal(artifactsJSON, &digests); err != nil {
			return nil, core.Wrap(core.CodeIntegrityError, err, "parse artifacts.json")
		}
		for _, d := range digests {
			data, ok := contents[d.Path]
			if !ok {
				return nil, core.E(core.CodeIntegrityError, "artifacts.json lists missing file %s", d.Path)
			}
			sum := sha256.Sum256(data)
			if hex.EncodeToString(sum[:]) != d.SHA256 {
				return nil, core.E(core.CodeIntegrityError, "file %s does not match its recorded sha256", d.Path)
			}
		}
	}
	return &summary, nil
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Run {{.RunID}}</title></head>
<body>
<h1>Run {{.RunID}} &mdash; {{.Results.Status}}</h1>
<p>Pipeline {{.PipelineID}} in workspace {{.WorkspaceID}}, created {{.CreatedAt}}.</p>
<p>Model sha256 <code>{{.Inputs.Model.SHA256}}</code>, promptpack {{.Inputs.PromptPack.Version}}.</p>
{{if .Results.ErrorCode}}<p><strong>Error:</strong> {{.Results.ErrorCode}} &mdash; {{.Results.ErrorDetail}}</p>{{end}}
<h2>Gates</h2>
<table border="1">
<tr><th>Metric</th><th>Device</th><th>Op</th><th>Threshold</th><th>Observed</th><th>Required</th><th>Decision</th><th>Reason</th></tr>
{{range .Results.GatesEvaluation}}<tr>
<td>{{.Metric}}</td><td>{{.Device}}</td><td>{{.Op}}</td><td>{{.Threshold}}</td>
<td>{{if .Observed}}{{.Observed}}{{end}}</td><td>{{.Required}}</td><td>{{.Decision}}</td><td>{{.Reason}}</td>
</tr>{{end}}
</table>
<h2>Signing</h2>
<p>{{.Signing.Algo}} key <code>{{.Signing.PublicKeyID}}</code>; verify against the canonical bytes of summary.json.</p>
</body>
</html>
`))

func renderReport(s Summary) ([]byte, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
