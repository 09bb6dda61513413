// Package document provides the key/value document interpreter served by roomsync-api.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"github.com/MarcoPoloResearchLab/roomsync/internal/snapshot"
)

const (
	eventTypeSet    = "set"
	eventTypeDelete = "delete"
	eventTypeClear  = "clear"
)

var (
	// ErrUnknownEventType indicates a domain event whose type is not understood.
	ErrUnknownEventType = errors.New("document: unknown event type")
	// ErrMissingKey indicates a set or delete event without a key.
	ErrMissingKey = errors.New("document: event key is required")
	// ErrInvalidState indicates a state value this interpreter did not produce.
	ErrInvalidState = errors.New("document: invalid state")
)

// Document maps keys to raw JSON values.
type Document map[string]json.RawMessage

type domainEvent struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Interpreter folds set/delete/clear events into a Document.
type Interpreter struct{}

var _ snapshot.Interpreter = Interpreter{}

// NewInterpreter returns the key/value interpreter.
func NewInterpreter() Interpreter {
	return Interpreter{}
}

// Initial returns the empty document.
func (Interpreter) Initial() snapshot.State {
	return Document{}
}

// Apply returns a new document with every domain event of the payload applied in order.
// The input document is never modified.
func (Interpreter) Apply(state snapshot.State, payload eventlog.Payload) (snapshot.State, error) {
	current, ok := state.(Document)
	if !ok {
		return nil, ErrInvalidState
	}
	rawEvents, err := payload.Events()
	if err != nil {
		return nil, err
	}

	next := make(Document, len(current))
	for key, value := range current {
		next[key] = value
	}
	for index, rawEvent := range rawEvents {
		var event domainEvent
		if err := json.Unmarshal(rawEvent, &event); err != nil {
			return nil, fmt.Errorf("document: event %d: %w", index, err)
		}
		switch event.Type {
		case eventTypeSet:
			if event.Key == "" {
				return nil, fmt.Errorf("event %d: %w", index, ErrMissingKey)
			}
			value, err := compactValue(event.Value)
			if err != nil {
				return nil, fmt.Errorf("document: event %d: %w", index, err)
			}
			next[event.Key] = value
		case eventTypeDelete:
			if event.Key == "" {
				return nil, fmt.Errorf("event %d: %w", index, ErrMissingKey)
			}
			delete(next, event.Key)
		case eventTypeClear:
			next = Document{}
		default:
			return nil, fmt.Errorf("event %d type %q: %w", index, event.Type, ErrUnknownEventType)
		}
	}
	return next, nil
}

// Validate reports whether Apply accepts the payload. Acceptance depends only on the
// payload, so a payload that validates folds onto any document.
func (interpreter Interpreter) Validate(payload eventlog.Payload) error {
	_, err := interpreter.Apply(interpreter.Initial(), payload)
	return err
}

// Encode renders the document as a JSON object with keys in ascending order.
func (Interpreter) Encode(state snapshot.State) ([]byte, error) {
	current, ok := state.(Document)
	if !ok {
		return nil, ErrInvalidState
	}
	keys := make([]string, 0, len(current))
	for key := range current {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buffer := []byte{'{'}
	for index, key := range keys {
		if index > 0 {
			buffer = append(buffer, ',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buffer = append(buffer, encodedKey...)
		buffer = append(buffer, ':')
		buffer = append(buffer, current[key]...)
	}
	buffer = append(buffer, '}')
	return buffer, nil
}

// Decode parses an encoded document.
func (Interpreter) Decode(data []byte) (snapshot.State, error) {
	decoded := Document{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func compactValue(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buffer.Bytes()), nil
}
