// Package reducer turns live connection messages into pipeline state.
package reducer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raphaelgruber/xflow/internal/models"
)

// ErrMalformedMessage is returned for payloads that are not a JSON object
// or do not decode as a snapshot or an event.
var ErrMalformedMessage = errors.New("malformed message")

// Message is either a Snapshot or an Event.
type Message interface {
	isMessage()
}

// Snapshot is a full pipeline state. It replaces whatever the client had.
type Snapshot struct {
	State *models.PipelineState
}

// Event is one incremental stage lifecycle event.
type Event struct {
	Event models.PipelineEvent
}

func (Snapshot) isMessage() {}
func (Event) isMessage()    {}

// Decode classifies a raw message. Objects carrying both "event" and
// "run_id" are events; every other object is a snapshot.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	_, hasEvent := fields["event"]
	_, hasRunID := fields["run_id"]
	if hasEvent && hasRunID {
		var e models.PipelineEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: event: %v", ErrMalformedMessage, err)
		}
		return Event{Event: e}, nil
	}

	var s models.PipelineState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrMalformedMessage, err)
	}
	return Snapshot{State: &s}, nil
}
