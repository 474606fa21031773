package schemas

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// -- Run Request --

// RunRequest is the body accepted by the start endpoint and the `run` command.
type RunRequest struct {
	LoginURL   string     `json:"loginUrl"`
	TableURLs  []string   `json:"urls"`
	FolderName string     `json:"folderName"`
	StartIndex StartIndex `json:"startIndex,omitempty"`
}

// StartIndex is a zero-based row offset. On the wire it is the 1-based row
// number a user typed, in whatever shape the form produced it.
type StartIndex int

// UnmarshalJSON accepts numbers, numeric strings, null or anything else. It
// never fails: values that cannot be read as a positive row number map to 0.
func (s *StartIndex) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}

	switch data[0] {
	case '"':
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			*s = 0
			return nil
		}
		*s = StartIndex(NormalizeStartIndex(raw))
	default:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			*s = 0
			return nil
		}
		if f > math.MaxInt32 {
			f = math.MaxInt32
		}
		*s = StartIndex(offsetFromRow(int64(f)))
	}
	return nil
}

// MarshalJSON writes the offset back as the 1-based row number.
func (s StartIndex) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(s) + 1)), nil
}

// Offset returns the zero-based row offset.
func (s StartIndex) Offset() int {
	return int(s)
}

// NormalizeStartIndex converts a 1-based row number typed by a user into a
// zero-based offset. Empty, non-numeric, zero and negative input yield 0.
// Row numbers too large to represent clamp to MaxStartOffset.
func NormalizeStartIndex(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) && n > 0 {
			return MaxStartOffset
		}
		return 0
	}
	return offsetFromRow(n)
}

// MaxStartOffset is the largest offset a start index maps to. It is past the
// end of any real table, so every row is skipped.
const MaxStartOffset = math.MaxInt32 - 1

func offsetFromRow(n int64) int {
	if n < 1 {
		return 0
	}
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	return int(n - 1)
}

// -- Unit Results --

// UnitStatus tags the result of one unit of work (row, table or run).
type UnitStatus string

const (
	StatusOK      UnitStatus = "ok"
	StatusSkipped UnitStatus = "skipped"
	StatusFailed  UnitStatus = "failed"
)

// RowResult records what happened to one table row.
type RowResult struct {
	Table  int        `json:"table"`
	Row    int        `json:"row"`
	Status UnitStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
	File   string     `json:"file,omitempty"`
}

// TableResult records what happened to one table URL and its rows.
type TableResult struct {
	Index  int         `json:"index"`
	URL    string      `json:"url"`
	Status UnitStatus  `json:"status"`
	Reason string      `json:"reason,omitempty"`
	Rows   []RowResult `json:"rows,omitempty"`
}

// RunReport aggregates the per-unit results of a run.
type RunReport struct {
	RunID      string        `json:"runId"`
	Folder     string        `json:"folder"`
	SaveDir    string        `json:"saveDir"`
	Tables     []TableResult `json:"tables"`
	Aborted    bool          `json:"aborted"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Saved counts rows whose PDF was written.
func (r *RunReport) Saved() int { return r.count(StatusOK) }

// Skipped counts rows that were skipped.
func (r *RunReport) Skipped() int { return r.count(StatusSkipped) }

// Failed counts rows that failed.
func (r *RunReport) Failed() int { return r.count(StatusFailed) }

func (r *RunReport) count(status UnitStatus) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, t := range r.Tables {
		for _, row := range t.Rows {
			if row.Status == status {
				n++
			}
		}
	}
	return n
}

// -- Run Outcome --

// OutcomeKind classifies a terminal run outcome for the transport layer.
type OutcomeKind string

const (
	KindSuccess       OutcomeKind = ""
	KindValidation    OutcomeKind = "validation"
	KindConfiguration OutcomeKind = "configuration"
	KindBusy          OutcomeKind = "busy"
	KindSessionLaunch OutcomeKind = "session_launch"
	KindRun           OutcomeKind = "run"
	KindAborted       OutcomeKind = "aborted"
)

// RunOutcome is the single terminal result of a run. Either Success and
// Message are set, or Error and Details are.
type RunOutcome struct {
	Success bool        `json:"success,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`

	Kind   OutcomeKind `json:"-"`
	Report *RunReport  `json:"-"`
}
