package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Kind discriminates the frames pushed by the backend.
type Kind string

// Supported frame kinds.
const (
	KindProgress      Kind = "progress"
	KindBatchProgress Kind = "batch_progress"
	KindCompletion    Kind = "completion"
)

// Status is the job status reported by the backend.
type Status string

// Known job statuses. Unknown values are carried through untouched.
const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Frame parsing failures. Both are wrapped by ErrMalformedFrame.
var (
	ErrMalformedFrame = errors.New("malformed progress frame")
	ErrUnknownKind    = fmt.Errorf("%w: unknown type", ErrMalformedFrame)
	ErrMissingID      = fmt.Errorf("%w: missing job identifier", ErrMalformedFrame)
)

// Snapshot is the latest known state of one conversion or batch.
type Snapshot struct {
	Kind            Kind
	ConversionID    string
	BatchID         string
	Progress        *int
	Status          Status
	CurrentStep     string
	FileName        string
	Success         *bool
	ErrorMessage    string
	ProcessingTime  *float64
	MarkdownContent string
	OutputFile      string
	// Extra holds fields the client does not interpret, verbatim.
	Extra map[string]json.RawMessage
}

var knownFields = []string{
	"type",
	"conversion_id",
	"batch_id",
	"progress",
	"status",
	"current_step",
	"file_name",
	"success",
	"error_message",
	"processing_time",
	"markdown_content",
	"output_file",
}

// ParseFrame decodes a JSON frame and checks it carries the identifier its
// kind requires. Errors wrap ErrMalformedFrame.
func ParseFrame(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	switch snap.Kind {
	case KindProgress, KindBatchProgress, KindCompletion:
	default:
		return Snapshot{}, fmt.Errorf("%w %q", ErrUnknownKind, snap.Kind)
	}
	if snap.JobID() == "" {
		return Snapshot{}, ErrMissingID
	}
	return snap, nil
}

// JobID returns the table key: batch_id for batch frames, conversion_id otherwise.
func (s Snapshot) JobID() string {
	if s.Kind == KindBatchProgress {
		return s.BatchID
	}
	return s.ConversionID
}

// Percent returns the reported progress and whether it was present.
func (s Snapshot) Percent() (int, bool) {
	if s.Progress == nil {
		return 0, false
	}
	return *s.Progress, true
}

// Succeeded reports whether a completion frame said success=true.
func (s Snapshot) Succeeded() bool {
	return s.Success != nil && *s.Success
}

// Clone returns a deep copy so callers cannot alias table state.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Progress != nil {
		v := *s.Progress
		out.Progress = &v
	}
	if s.Success != nil {
		v := *s.Success
		out.Success = &v
	}
	if s.ProcessingTime != nil {
		v := *s.ProcessingTime
		out.ProcessingTime = &v
	}
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Complete folds a completion frame onto the previous snapshot for the same
// job. Fields present in the completion win; progress is forced to 100 and
// status to completed or error depending on success.
func Complete(prev Snapshot, found bool, completion Snapshot) Snapshot {
	out := completion.Clone()
	if found {
		out = prev.Clone()
		out.overlay(completion)
	}
	full := 100
	out.Progress = &full
	if completion.Succeeded() {
		out.Status = StatusCompleted
	} else {
		out.Status = StatusError
	}
	return out
}

func (s *Snapshot) overlay(src Snapshot) {
	src = src.Clone()
	s.Kind = src.Kind
	if src.ConversionID != "" {
		s.ConversionID = src.ConversionID
	}
	if src.BatchID != "" {
		s.BatchID = src.BatchID
	}
	if src.Progress != nil {
		s.Progress = src.Progress
	}
	if src.Status != "" {
		s.Status = src.Status
	}
	if src.CurrentStep != "" {
		s.CurrentStep = src.CurrentStep
	}
	if src.FileName != "" {
		s.FileName = src.FileName
	}
	if src.Success != nil {
		s.Success = src.Success
	}
	if src.ErrorMessage != "" {
		s.ErrorMessage = src.ErrorMessage
	}
	if src.ProcessingTime != nil {
		s.ProcessingTime = src.ProcessingTime
	}
	if src.MarkdownContent != "" {
		s.MarkdownContent = src.MarkdownContent
	}
	if src.OutputFile != "" {
		s.OutputFile = src.OutputFile
	}
	if len(src.Extra) > 0 && s.Extra == nil {
		s.Extra = make(map[string]json.RawMessage, len(src.Extra))
	}
	for k, v := range src.Extra {
		s.Extra[k] = v
	}
}

// UnmarshalJSON decodes the backend wire format. Only type and the job
// identifiers can fail the frame; any other known field whose JSON type does
// not fit is kept verbatim in Extra, as are unknown fields.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode frame object: %w", err)
	}
	var out Snapshot
	required := []struct {
		name string
		dst  any
	}{
		{"type", &out.Kind},
		{"conversion_id", &out.ConversionID},
		{"batch_id", &out.BatchID},
	}
	for _, f := range required {
		raw, ok := fields[f.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return fmt.Errorf("decode %s: %w", f.name, err)
		}
		delete(fields, f.name)
	}

	optional := []struct {
		name string
		dst  any
	}{
		{"status", &out.Status},
		{"current_step", &out.CurrentStep},
		{"file_name", &out.FileName},
		{"success", &out.Success},
		{"error_message", &out.ErrorMessage},
		{"processing_time", &out.ProcessingTime},
		{"markdown_content", &out.MarkdownContent},
		{"output_file", &out.OutputFile},
	}
	for _, f := range optional {
		raw, ok := fields[f.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, f.dst); err == nil {
			delete(fields, f.name)
		}
	}
	if raw, ok := fields["progress"]; ok {
		if pct, ok := decodePercent(raw); ok {
			out.Progress = pct
			delete(fields, "progress")
		}
	}

	if len(fields) > 0 {
		out.Extra = fields
	}
	*s = out
	return nil
}

// decodePercent accepts any JSON number, rounding fractional values, and null.
func decodePercent(raw json.RawMessage) (*int, bool) {
	var f *float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}
	if f == nil {
		return nil, true
	}
	if math.IsNaN(*f) || *f > math.MaxInt32 || *f < math.MinInt32 {
		return nil, false
	}
	v := int(math.Round(*f))
	return &v, true
}

// MarshalJSON renders the snapshot back into the backend wire format.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+len(knownFields))
	for k, v := range s.Extra {
		out[k] = v
	}
	out["type"] = s.Kind
	putString(out, "conversion_id", s.ConversionID)
	putString(out, "batch_id", s.BatchID)
	putString(out, "status", string(s.Status))
	putString(out, "current_step", s.CurrentStep)
	putString(out, "file_name", s.FileName)
	putString(out, "error_message", s.ErrorMessage)
	putString(out, "markdown_content", s.MarkdownContent)
	putString(out, "output_file", s.OutputFile)
	if s.Progress != nil {
		out["progress"] = *s.Progress
	}
	if s.Success != nil {
		out["success"] = *s.Success
	}
	if s.ProcessingTime != nil {
		out["processing_time"] = *s.ProcessingTime
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
