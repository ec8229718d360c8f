package protocol

import "encoding/json"

// Kind names a command understood by the face-detection worker.
type Kind string

const (
	KindPing            Kind = "ping"
	KindEcho            Kind = "echo"
	KindGetModels       Kind = "get_models"
	KindLoadModel       Kind = "load_model"
	KindStartProcessing Kind = "start_processing"
	KindStopProcessing  Kind = "stop_processing"
	KindGetResults      Kind = "get_results"
	KindGetStatus       Kind = "get_status"
	KindGetProgress     Kind = "get_progress"
	KindGetLogs         Kind = "get_logs"
	KindExportCSV       Kind = "export_csv"
	KindProcessVideo    Kind = "process_video"
	KindGetModelInfo    Kind = "get_model_info"
	KindExit            Kind = "exit"
)

var knownKinds = map[Kind]struct{}{
	KindPing: {}, KindEcho: {}, KindGetModels: {}, KindLoadModel: {},
	KindStartProcessing: {}, KindStopProcessing: {}, KindGetResults: {},
	KindGetStatus: {}, KindGetProgress: {}, KindGetLogs: {}, KindExportCSV: {},
	KindProcessVideo: {}, KindGetModelInfo: {}, KindExit: {},
}

// Valid reports whether k is a command kind the worker understands.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Message types emitted by the worker on stdout.
const (
	TypeReady    = "ready"
	TypeResponse = "response"
	TypeEvent    = "event"
	TypeError    = "error"
)

// Event types carried inside an "event" message.
const (
	EventProgress   = "progress"
	EventCompletion = "completion"
)

// Response body statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Command is the orchestrator -> worker envelope, one per line on stdin.
type Command struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   int64           `json:"id"`
}

// Message is any worker -> orchestrator envelope. Which fields are set
// depends on Type.
type Message struct {
	Type     string          `json:"type"`
	ID       *int64          `json:"id,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Event    *Event          `json:"event,omitempty"`
	Message  string          `json:"message,omitempty"`

	// Raw holds the line the message was decoded from.
	Raw json.RawMessage `json:"-"`
}

// Event is an unsolicited notification from the worker.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

// ResponseBody is the common shape of the "response" object. Extra fields
// (models, results, info, ...) stay in the raw response.
type ResponseBody struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
