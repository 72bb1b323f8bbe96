// Package comfy provides a client for the job server's HTTP API: prompt
// submission, history and queue inspection, uploads and artifact download.
package comfy

import (
	"fmt"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/hurricanerix/loom/internal/graph"
)

// Default configuration constants
const (
	DefaultTimeout     = 10 // seconds
	DefaultPingTimeout = 5  // seconds
)

// API endpoints
const (
	EndpointPrompt      = "/prompt"
	EndpointHistory     = "/history/"
	EndpointQueue       = "/queue"
	EndpointSystemStats = "/system_stats"
	EndpointUpload      = "/upload/image"
	EndpointView        = "/view"
)

// uploadField is the multipart field used for every media kind.
const uploadField = "image"

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	Prompt   graph.Graph `json:"prompt"`
	ClientID string      `json:"client_id"`
}

// PromptResponse is returned by POST /prompt.
type PromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// errorResponse is the body of a rejected request.
type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

// History maps prompt ids to their records, as returned by GET /history/{id}.
type History map[string]HistoryItem

// HistoryItem is the record of one prompt.
type HistoryItem struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// NodeOutput holds a node's output fields. Fields that list files are
// arrays of FileRef; other fields are kept raw.
type NodeOutput map[string]json.RawMessage

// HistoryStatus is the execution status of a prompt.
type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages,omitempty"`
}

// FileRef names a file in the server's output tree.
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Done reports whether the record carries outputs or is marked completed.
func (h HistoryItem) Done() bool {
	return len(h.Outputs) > 0 || h.Status.Completed
}

// Failure returns the server's error text when the prompt failed.
func (h HistoryItem) Failure() (string, bool) {
	if h.Status.StatusStr != "error" {
		return "", false
	}
	for _, raw := range h.Status.Messages {
		var msg []json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil || len(msg) != 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var detail struct {
			ExceptionMessage string `json:"exception_message"`
			NodeType         string `json:"node_type"`
		}
		if err := json.Unmarshal(msg[1], &detail); err == nil && detail.ExceptionMessage != "" {
			if detail.NodeType != "" {
				return fmt.Sprintf("%s: %s", detail.NodeType, detail.ExceptionMessage), true
			}
			return detail.ExceptionMessage, true
		}
	}
	return "execution failed", true
}

// Files decodes an output field as a list of file references. It reports
// false when the field is not an array.
func (o NodeOutput) Files(field string) ([]FileRef, bool) {
	raw, ok := o[field]
	if !ok {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	var refs []FileRef
	for _, item := range items {
		var ref FileRef
		if err := json.Unmarshal(item, &ref); err != nil || ref.Filename == "" {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, true
}

// QueueEntry is one prompt held by the server.
type QueueEntry struct {
	Number   int
	PromptID string
}

// QueueStatus is the body of GET /queue.
type QueueStatus struct {
	Running []QueueEntry
	Pending []QueueEntry
}

// UnmarshalJSON decodes the [number, prompt_id, prompt, ...] tuples.
func (q *QueueStatus) UnmarshalJSON(data []byte) error {
	var raw struct {
		Running [][]json.RawMessage `json:"queue_running"`
		Pending [][]json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	q.Running = decodeQueueEntries(raw.Running)
	q.Pending = decodeQueueEntries(raw.Pending)
	return nil
}

func decodeQueueEntries(tuples [][]json.RawMessage) []QueueEntry {
	entries := make([]QueueEntry, 0, len(tuples))
	for _, t := range tuples {
		if len(t) < 2 {
			continue
		}
		var e QueueEntry
		_ = json.Unmarshal(t[0], &e.Number)
		if err := json.Unmarshal(t[1], &e.PromptID); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// PositionUnknown is reported when a prompt is neither running nor pending.
const PositionUnknown = -1

// Position returns 0 when id is running, n when it is the n-th pending
// prompt, and PositionUnknown otherwise.
func (q QueueStatus) Position(id string) int {
	for _, e := range q.Running {
		if e.PromptID == id {
			return 0
		}
	}
	for i, e := range q.Pending {
		if e.PromptID == id {
			return i + 1
		}
	}
	return PositionUnknown
}

// UploadResponse is returned by POST /upload/image.
type UploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// ViewURL returns the download URL of an output file on the server at
// base. Every parameter is always present.
func ViewURL(base, filename, subfolder string) string {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("type", "output")
	q.Set("subfolder", subfolder)
	return base + EndpointView + "?" + q.Encode()
}

// String renders an entry for log lines.
func (e QueueEntry) String() string {
	return strconv.Itoa(e.Number) + ":" + e.PromptID
}
