// Package metrics extracts normalized metric values from raw hub
// payloads and organizes them into the per-run table the evaluator
// consumes.
package metrics

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// Extractor evaluates dollar-rooted JSON paths ("$.a.b.c") against raw
// payload documents. Compiled queries are cached; the same handful of
// paths runs against every repeat of every device.
type Extractor struct {
	mu    sync.Mutex
	cache map[string]*gojq.Code
}

// NewExtractor returns an extractor with an empty query cache.
func NewExtractor() *Extractor {
	return &Extractor{cache: map[string]*gojq.Code{}}
}

// Extract resolves path inside the JSON document and returns the value
// as a float64. The boolean is false when the path does not resolve or
// the value is not numeric.
func (e *Extractor) Extract(payload []byte, path string) (float64, bool, error) {
	code, err := e.compile(path)
	if err != nil {
		return 0, false, err
	}

	// gojq only accepts the plain json.Unmarshal value types.
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, false, fmt.Errorf("parse payload: %w", err)
	}

	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return 0, false, nil
	}
	if _, isErr := v.(error); isErr {
		// A missing key is an absent value, not a failure.
		return 0, false, nil
	}
	f, numeric := asFloat(v)
	return f, numeric, nil
}

// Resolves reports whether the path exists in the payload at all,
// regardless of the value's type.
func (e *Extractor) Resolves(payload []byte, path string) bool {
	code, err := e.compile(path)
	if err != nil {
		return false
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false
	}
	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return false
	}
	if _, isErr := v.(error); isErr {
		return false
	}
	return v != nil
}

func (e *Extractor) compile(path string) (*gojq.Code, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[path]; ok {
		return code, nil
	}
	query, err := gojq.Parse(toJQ(path))
	if err != nil {
		return nil, fmt.Errorf("invalid metric path %q: %w", path, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile metric path %q: %w", path, err)
	}
	e.cache[path] = code
	return code, nil
}

// toJQ rewrites a dollar-rooted path to a jq filter. "$.a.b" becomes
// ".a.b?" so missing intermediate keys yield no output rather than an
// error.
func toJQ(path string) string {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	if p == "" {
		return "."
	}
	return p + "?"
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
	default:
		return 0, false
	}
}
