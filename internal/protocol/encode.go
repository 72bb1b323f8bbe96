package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Encode serializes an event into its wire envelope. It is used by the
// SSE relay and by fake servers in tests.
func Encode(ev Event) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch e := ev.(type) {
	case *StatusEvent:
		var w statusWire
		w.Status.ExecInfo.QueueRemaining = e.QueueRemaining
		w.Status.QueueRunning, _ = json.Marshal(e.QueueRunning)
		w.Status.QueuePending, _ = json.Marshal(e.QueuePending)
		w.SID = e.SID
		data, err = json.Marshal(w)
	case *UnknownEvent:
		data = e.Data
	default:
		data, err = json.Marshal(ev)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.EventType(), err)
	}

	return json.Marshal(Envelope{Type: ev.EventType(), Data: data})
}
