package probe

import (
	"archive/zip"
	"bytes"
	"fmt"
	"sort"

	"github.com/edgegate/backend/internal/pkgval"
)

// Fixture is a tiny synthetic model package used to probe a packaging
// layout end to end: validate, upload, compile, profile, infer.
type Fixture struct {
	Name       string
	Layout     pkgval.Layout
	Capability string
	Package    []byte
}

// Capability IDs for the packaging fixtures. TARGET_QNN_DLC is proven
// by the first fixture that compiles at all.
const (
	capONNXExternal = "MODEL_ONNX_EXTERNAL_DATA"
	capAIMET        = "MODEL_AIMET_ONNX_ENCODINGS"
)

// Fixtures returns the packaging probes in execution order. The
// packages are built in memory; the model bytes are placeholders since
// the probe only cares whether the hub accepts the layout.
func Fixtures() ([]Fixture, error) {
	single, err := buildFixtureZip(map[string][]byte{
		"probe.onnx": []byte("edgegate-probe-onnx-single"),
	})
	if err != nil {
		return nil, err
	}
	external, err := buildFixtureZip(map[string][]byte{
		"probe.onnx": []byte("edgegate-probe references probe.data"),
		"probe.data": bytes.Repeat([]byte{0x00}, 64),
	})
	if err != nil {
		return nil, err
	}
	aimet, err := buildFixtureZip(map[string][]byte{
		"probe.aimet/probe.onnx":      []byte("edgegate-probe-aimet"),
		"probe.aimet/probe.encodings": []byte(`{"activation_encodings":{},"param_encodings":{}}`),
	})
	if err != nil {
		return nil, err
	}

	return []Fixture{
		{Name: "onnx_single", Layout: pkgval.LayoutONNXSingle, Capability: "TARGET_QNN_DLC", Package: single},
		{Name: "onnx_external", Layout: pkgval.LayoutONNXExternal, Capability: capONNXExternal, Package: external},
		{Name: "aimet_quant", Layout: pkgval.LayoutAIMET, Capability: capAIMET, Package: aimet},
	}, nil
}

// buildFixtureZip writes entries in sorted order with zero timestamps
// so a fixture's bytes, and therefore its content address, are
// identical across runs.
func buildFixtureZip(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("build fixture entry %s: %w", name, err)
		}
		if _, err := fw.Write(files[name]); err != nil {
			return nil, fmt.Errorf("write fixture entry %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
