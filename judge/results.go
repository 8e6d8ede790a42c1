package judge

import (
	"encoding/json"
	"fmt"

	"github.com/isdmx/codus/bundle"
)

// harnessReport is the document the in-sandbox harness writes: either the
// per-test data or an error trace.
type harnessReport struct {
	Data  []harnessCase `json:"data"`
	Error *string       `json:"error"`
}

type harnessCase struct {
	Value    json.RawMessage `json:"value"`
	Expected json.RawMessage `json:"expected"`
	Pass     bool            `json:"pass"`
}

// applyReport fills res from the harness report. A reported error makes the
// job Failed with a runtime_failure kind; it is not an orchestrator error.
func applyReport(res *ExecutionResult, report harnessReport, prefixes []string) error {
	if report.Error != nil {
		res.Status = StatusFailed
		res.ErrorKind = KindRuntimeFailure
		res.CleanedErrorTrace = CleanTrace(*report.Error, prefixes)
		return nil
	}
	if report.Data == nil {
		return fmt.Errorf("%w: report has neither data nor error", bundle.ErrMalformedArtifact)
	}

	res.Tests = make([]TestResult, 0, len(report.Data))
	for _, c := range report.Data {
		res.Tests = append(res.Tests, TestResult{
			Passed:         c.Pass,
			ActualOutput:   rawText(c.Value),
			ExpectedOutput: rawText(c.Expected),
		})
	}
	res.Status = StatusCompleted
	return nil
}

func rawText(v json.RawMessage) string {
	if len(v) == 0 {
		return "null"
	}
	return string(v)
}
