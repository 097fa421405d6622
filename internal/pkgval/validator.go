// Package pkgval validates uploaded model packages before any bytes
// are sent to the compute backend. A package is a zip archive in one
// of three layouts; anything else is rejected with the full list of
// problems found.
package pkgval

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/edgegate/backend/internal/core"
)

// Layout is the detected model package layout.
type Layout string

const (
	// LayoutONNXSingle is a single self-contained .onnx file.
	LayoutONNXSingle Layout = "onnx_single"
	// LayoutONNXExternal is one .onnx plus one external-weights .data file.
	LayoutONNXExternal Layout = "onnx_external"
	// LayoutAIMET is a quantized export: a directory whose name contains
	// ".aimet" holding one .onnx, one .encodings, and at most one .data.
	LayoutAIMET Layout = "aimet_onnx"
)

// onnxScanWindow bounds how much of the .onnx head is searched for the
// external-data filename. The reference usually sits in the graph
// initializer section near the start of the file.
const onnxScanWindow = 64 * 1024

// Result describes an accepted package.
type Result struct {
	Layout    Layout   `json:"layout"`
	ModelFile string   `json:"model_file"`
	DataFile  string   `json:"data_file,omitempty"`
	Encodings string   `json:"encodings_file,omitempty"`
	AimetDir  string   `json:"aimet_dir,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// ValidateZip inspects a model package held in memory. It never
// extracts the archive; only the .onnx head is read, to best-effort
// check the external-data reference.
func ValidateZip(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, core.Wrap(core.CodeInvalidModelPackage, err, "package is not a readable zip archive")
	}
	return validate(zr.File)
}

func validate(files []*zip.File) (*Result, error) {
	var problems []string

	entries := make([]*zip.File, 0, len(files))
	for _, f := range files {
		name := f.Name
		if strings.HasSuffix(name, "/") {
			continue // directory entries
		}
		base := path.Base(name)
		if base == ".DS_Store" || strings.HasPrefix(base, "._") || strings.HasPrefix(name, "__MACOSX/") {
			continue
		}
		if strings.Contains(name, "..") {
			problems = append(problems, fmt.Sprintf("entry %q escapes the archive root", name))
			continue
		}
		entries = append(entries, f)
	}
	if len(problems) > 0 {
		return nil, reject(problems)
	}
	if len(entries) == 0 {
		return nil, reject([]string{"archive contains no files"})
	}

	if dir := aimetDir(entries); dir != "" {
		return validateAimet(dir, entries)
	}
	return validateOnnx(entries)
}

// aimetDir returns the first directory component containing ".aimet",
// or "" when the package is a plain ONNX layout.
func aimetDir(entries []*zip.File) string {
	for _, f := range entries {
		for _, part := range strings.Split(path.Dir(f.Name), "/") {
			if strings.Contains(part, ".aimet") {
				return part
			}
		}
	}
	return ""
}

func validateAimet(dir string, entries []*zip.File) (*Result, error) {
	var problems []string
	var onnx, encodings, data []string

	for _, f := range entries {
		if !withinDir(f.Name, dir) {
			problems = append(problems, fmt.Sprintf("file %q is outside the %q directory", f.Name, dir))
			continue
		}
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".onnx":
			onnx = append(onnx, f.Name)
		case ".encodings":
			encodings = append(encodings, f.Name)
		case ".data":
			data = append(data, f.Name)
		}
	}
	if len(onnx) != 1 {
		problems = append(problems, fmt.Sprintf("quantized package needs exactly one .onnx file, found %d", len(onnx)))
	}
	if len(encodings) != 1 {
		problems = append(problems, fmt.Sprintf("quantized package needs exactly one .encodings file, found %d", len(encodings)))
	}
	if len(data) > 1 {
		problems = append(problems, fmt.Sprintf("quantized package allows at most one .data file, found %d", len(data)))
	}
	if len(problems) > 0 {
		return nil, reject(problems)
	}

	res := &Result{
		Layout:    LayoutAIMET,
		ModelFile: onnx[0],
		Encodings: encodings[0],
		AimetDir:  dir,
	}
	if len(data) == 1 {
		res.DataFile = data[0]
	}
	return res, nil
}

func validateOnnx(entries []*zip.File) (*Result, error) {
	var problems []string
	var onnx, data []*zip.File
	var extras []string

	for _, f := range entries {
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".onnx":
			onnx = append(onnx, f)
		case ".data":
			data = append(data, f)
		default:
			extras = append(extras, f.Name)
		}
	}
	if len(onnx) != 1 {
		problems = append(problems, fmt.Sprintf("package needs exactly one .onnx file, found %d", len(onnx)))
	}
	if len(data) > 1 {
		problems = append(problems, fmt.Sprintf("package allows at most one .data file, found %d", len(data)))
	}
	for _, name := range extras {
		problems = append(problems, fmt.Sprintf("unexpected file %q", name))
	}
	if len(problems) > 0 {
		return nil, reject(problems)
	}

	res := &Result{Layout: LayoutONNXSingle, ModelFile: onnx[0].Name}
	if len(data) == 1 {
		res.Layout = LayoutONNXExternal
		res.DataFile = data[0].Name
		if warn := checkExternalReference(onnx[0], data[0].Name); warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
	}
	return res, nil
}

// checkExternalReference scans the head of the .onnx file for the
// external-data filename. A miss is a warning, never a rejection: the
// reference may sit past the scan window or use a relative path.
func checkExternalReference(onnx *zip.File, dataName string) string {
	rc, err := onnx.Open()
	if err != nil {
		return fmt.Sprintf("could not read %q to verify the external-data reference: %v", onnx.Name, err)
	}
	defer rc.Close()

	head := make([]byte, onnxScanWindow)
	n, _ := io.ReadFull(rc, head)
	if !bytes.Contains(head[:n], []byte(path.Base(dataName))) {
		return fmt.Sprintf("%q does not appear to reference %q; the backend may fail to load the weights",
			onnx.Name, path.Base(dataName))
	}
	return ""
}

func withinDir(name, dir string) bool {
	for _, part := range strings.Split(path.Dir(name), "/") {
		if part == dir {
			return true
		}
	}
	return false
}

func reject(problems []string) error {
	return core.E(core.CodeInvalidModelPackage, "%s", strings.Join(problems, "; "))
}
