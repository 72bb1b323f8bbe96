package protocol

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// statusWire accepts both the exec_info form and explicit running/pending
// fields, which may be counts or lists.
type statusWire struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
		QueueRunning json.RawMessage `json:"queue_running"`
		QueuePending json.RawMessage `json:"queue_pending"`
	} `json:"status"`
	SID string `json:"sid,omitempty"`
}

// Decode parses one text frame. Frames with an unrecognized type decode to
// *UnknownEvent without error so callers can log and skip them.
func Decode(data []byte) (Event, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	var ev Event
	switch env.Type {
	case TypeStatus:
		return decodeStatus(env.Data)
	case TypeProgress:
		ev = &ProgressEvent{}
	case TypeExecuting:
		ev = &ExecutingEvent{}
	case TypeExecuted:
		ev = &ExecutedEvent{}
	case TypeExecutionStart:
		ev = &ExecutionStartEvent{}
	case TypeExecutionSuccess:
		ev = &ExecutionSuccessEvent{}
	case TypeExecutionCached:
		ev = &ExecutionCachedEvent{}
	case TypeExecutionError:
		ev = &ExecutionErrorEvent{}
	default:
		return &UnknownEvent{Type: env.Type, Data: env.Data}, nil
	}

	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, env.Type, err)
		}
	}
	return ev, nil
}

func decodeStatus(data json.RawMessage) (*StatusEvent, error) {
	ev := &StatusEvent{}
	if len(data) == 0 {
		return ev, nil
	}

	var w statusWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: status data: %v", ErrMalformedEvent, err)
	}
	ev.QueueRemaining = w.Status.ExecInfo.QueueRemaining
	ev.QueueRunning = count(w.Status.QueueRunning)
	ev.QueuePending = count(w.Status.QueuePending)
	ev.SID = w.SID
	return ev, nil
}

// count reads a field that is either a number or a list.
func count(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return len(list)
	}
	return 0
}
