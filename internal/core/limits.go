package core

import "fmt"

// Limits holds the hard caps enforced at the API boundary and inside
// the worker. All values are configurable downward but never above
// these defaults.
type Limits struct {
	ModelUploadBytes int64 `yaml:"model_upload_bytes"`
	PromptPackCases  int   `yaml:"promptpack_cases"`
	DevicesPerRun    int   `yaml:"devices_per_run"`
	RepeatsMax       int   `yaml:"repeats_max"`
	MaxNewTokensMax  int   `yaml:"max_new_tokens_max"`
	TimeoutMaxMin    int   `yaml:"timeout_max_minutes"`
}

// DefaultLimits returns the hard limits from the product requirements.
func DefaultLimits() Limits {
	return Limits{
		ModelUploadBytes: 500 * 1024 * 1024,
		PromptPackCases:  50,
		DevicesPerRun:    5,
		RepeatsMax:       5,
		MaxNewTokensMax:  256,
		TimeoutMaxMin:    45,
	}
}

func (l Limits) exceeded(name string, got, max int64) *Error {
	return E(CodeLimitExceeded, "%s: got %d, maximum is %d", name, got, max)
}

// CheckModelUploadSize rejects models larger than the upload cap.
// Exactly the cap is accepted.
func (l Limits) CheckModelUploadSize(sizeBytes int64) error {
	if sizeBytes > l.ModelUploadBytes {
		return l.exceeded("model_upload_size", sizeBytes, l.ModelUploadBytes)
	}
	return nil
}

// CheckPromptPackCases rejects packs with too many cases.
func (l Limits) CheckPromptPackCases(count int) error {
	if count > l.PromptPackCases {
		return l.exceeded("promptpack_cases", int64(count), int64(l.PromptPackCases))
	}
	return nil
}

// CheckDevicesPerRun rejects oversized device matrices.
func (l Limits) CheckDevicesPerRun(count int) error {
	if count > l.DevicesPerRun {
		return l.exceeded("devices_per_run", int64(count), int64(l.DevicesPerRun))
	}
	return nil
}

// CheckRunPolicy validates every bounded field of a run policy.
func (l Limits) CheckRunPolicy(p RunPolicy) error {
	if p.MeasurementRepeats < 1 || p.MeasurementRepeats > l.RepeatsMax {
		return E(CodeLimitExceeded, "measurement_repeats: got %d, allowed range is 1..%d",
			p.MeasurementRepeats, l.RepeatsMax)
	}
	if p.MaxNewTokens > l.MaxNewTokensMax {
		return l.exceeded("max_new_tokens", int64(p.MaxNewTokens), int64(l.MaxNewTokensMax))
	}
	if p.TimeoutMinutes < 1 || p.TimeoutMinutes > l.TimeoutMaxMin {
		return E(CodeLimitExceeded, "timeout_minutes: got %d, allowed range is 1..%d",
			p.TimeoutMinutes, l.TimeoutMaxMin)
	}
	return nil
}

// String renders the limits for startup logging.
func (l Limits) String() string {
	return fmt.Sprintf("model<=%dMB cases<=%d devices<=%d repeats<=%d tokens<=%d timeout<=%dm",
		l.ModelUploadBytes/(1024*1024), l.PromptPackCases, l.DevicesPerRun,
		l.RepeatsMax, l.MaxNewTokensMax, l.TimeoutMaxMin)
}
