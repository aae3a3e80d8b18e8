package vehicle

import (
	"encoding/json"
)

// Stage identifies a processing stage within one pipeline run. The values
// double as the pipeline kind selected by the upload route.
type Stage string

const (
	StageLicense   Stage = "license"
	StageTireBrand Stage = "tire_brand"
)

type StageState string

const (
	StateProcessing StageState = "processing"
	StateSuccess    StageState = "success"
	StateError      StageState = "error"
)

type TransferState string

const (
	TransferUploaded TransferState = "uploaded"
	TransferError    TransferState = "error"
)

// Event is the closed set of status events multiplexed onto a session's
// status channel. Every variant marshals to the flat JSON object the
// stream protocol expects.
type Event interface {
	event()
}

// Progress reports upload progress as a percentage in [0,100].
type Progress struct {
	Percent int
}

func (Progress) event() {}

func (p Progress) MarshalJSON() ([]byte, error) {
	pct := p.Percent
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return json.Marshal(map[string]interface{}{
		"type":     "progress",
		"status":   "uploading",
		"progress": pct,
	})
}

// StageStatus reports a stage transition. Data entries are flattened into
// the serialized object alongside the discriminator fields.
type StageStatus struct {
	Stage   Stage
	State   StageState
	Message string
	Data    map[string]string
}

func (StageStatus) event() {}

func (s StageStatus) MarshalJSON() ([]byte, error) {
	obj := map[string]interface{}{
		"type":    string(s.Stage),
		"status":  string(s.State),
		"message": s.Message,
	}
	for k, v := range s.Data {
		obj[k] = v
	}
	return json.Marshal(obj)
}

// TransferStatus reports the outcome of the remote upload.
type TransferStatus struct {
	State   TransferState
	Message string
	Link    string
}

func (TransferStatus) event() {}

func (t TransferStatus) MarshalJSON() ([]byte, error) {
	obj := map[string]interface{}{
		"type":    "ftp",
		"status":  string(t.State),
		"message": t.Message,
	}
	if t.Link != "" {
		obj["link"] = t.Link
	}
	return json.Marshal(obj)
}

// ErrorEvent reports a stage-independent failure.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) event() {}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":    "error",
		"message": e.Message,
	})
}

// Heartbeat is synthesized by the stream consumer on idle timeout. It is
// never published by a pipeline run.
type Heartbeat struct{}

func (Heartbeat) event() {}

func (Heartbeat) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"heartbeat"}`), nil
}

// Done is the terminal sentinel. Exactly one is published per pipeline
// run, after every other event of that run.
type Done struct{}

func (Done) event() {}

func (Done) MarshalJSON() ([]byte, error) {
	return []byte(`{"status":"done"}`), nil
}
