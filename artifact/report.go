package artifact

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"strconv"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// SummaryHeader is the column order of summary.csv.
var SummaryHeader = []string{
	"policy", "case_id", "run_id", "pass", "status", "steps",
	"latency_ms", "token_estimate", "tool_calls", "tool_errors", "reason",
}

// WriteReport writes report.json and summary.csv into dir.
func WriteReport(dir string, report *core.BatchReport) error {
	if err := WriteJSON(filepath.Join(dir, "report.json"), report); err != nil {
		return err
	}
	data, err := SummaryCSV(report.Verdicts)
	if err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(dir, "summary.csv"), data)
}

// SummaryCSV renders one row per verdict in input order.
func SummaryCSV(verdicts []core.Verdict) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(SummaryHeader); err != nil {
		return nil, err
	}
	for _, v := range verdicts {
		row := []string{
			v.PolicyID,
			v.TaskID,
			v.RunID,
			strconv.FormatBool(v.Pass),
			string(v.Status),
			strconv.Itoa(v.Summary.Steps),
			strconv.FormatInt(v.Summary.LatencyMs, 10),
			strconv.Itoa(v.Summary.TokenEstimate),
			strconv.Itoa(v.Summary.ToolCalls),
			strconv.Itoa(v.Summary.ToolErrors),
			v.Reason,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
