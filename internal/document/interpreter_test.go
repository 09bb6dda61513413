package document

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"github.com/MarcoPoloResearchLab/roomsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncengine"
)

func TestInterpreter_ApplySetDeleteClear(t *testing.T) {
	interpreter := NewInterpreter()

	state := interpreter.Initial()
	state = mustApply(t, interpreter, state, `[{"type":"set","key":"title","value":"Draft"},{"type":"set","key":"count","value": 2}]`)
	state = mustApply(t, interpreter, state, `[{"type":"delete","key":"title"}]`)

	encoded, err := interpreter.Encode(state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2}`, string(encoded))

	state = mustApply(t, interpreter, state, `[{"type":"clear"},{"type":"set","key":"b","value":{"x": [1, 2]}}]`)
	encoded, err = interpreter.Encode(state)
	require.NoError(t, err)
	assert.Equal(t, `{"b":{"x":[1,2]}}`, string(encoded))
}

func TestInterpreter_ApplyDoesNotMutateInput(t *testing.T) {
	interpreter := NewInterpreter()

	original := mustApply(t, interpreter, interpreter.Initial(), `[{"type":"set","key":"a","value":1}]`)
	_ = mustApply(t, interpreter, original, `[{"type":"set","key":"a","value":2},{"type":"set","key":"b","value":3}]`)

	document := original.(Document)
	assert.Len(t, document, 1)
	assert.Equal(t, "1", string(document["a"]))
}

func TestInterpreter_EncodeIsDeterministic(t *testing.T) {
	interpreter := NewInterpreter()

	forward := mustApply(t, interpreter, interpreter.Initial(),
		`[{"type":"set","key":"z","value":1},{"type":"set","key":"a","value":2},{"type":"set","key":"m","value":3}]`)
	backward := mustApply(t, interpreter, interpreter.Initial(),
		`[{"type":"set","key":"m","value":3},{"type":"set","key":"a","value":2},{"type":"set","key":"z","value":1}]`)

	forwardBytes, err := interpreter.Encode(forward)
	require.NoError(t, err)
	backwardBytes, err := interpreter.Encode(backward)
	require.NoError(t, err)

	assert.Equal(t, `{"a":2,"m":3,"z":1}`, string(forwardBytes))
	assert.Equal(t, forwardBytes, backwardBytes)
}

func TestInterpreter_DecodeRoundTrip(t *testing.T) {
	interpreter := NewInterpreter()

	state := mustApply(t, interpreter, interpreter.Initial(), `[{"type":"set","key":"k","value":"v"}]`)
	encoded, err := interpreter.Encode(state)
	require.NoError(t, err)

	decoded, err := interpreter.Decode(encoded)
	require.NoError(t, err)
	reencoded, err := interpreter.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
}

func TestInterpreter_ApplyRejectsBadEvents(t *testing.T) {
	interpreter := NewInterpreter()

	testCases := []struct {
		name    string
		payload string
		target  error
	}{
		{name: "unknown type", payload: `[{"type":"rename","key":"a"}]`, target: ErrUnknownEventType},
		{name: "set without key", payload: `[{"type":"set","value":1}]`, target: ErrMissingKey},
		{name: "delete without key", payload: `[{"type":"delete"}]`, target: ErrMissingKey},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := interpreter.Apply(interpreter.Initial(), mustPayload(t, testCase.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, testCase.target)
		})
	}

	_, err := interpreter.Apply("not a document", mustPayload(t, `[]`))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestInterpreter_ValidateMatchesApply(t *testing.T) {
	interpreter := NewInterpreter()

	assert.NoError(t, interpreter.Validate(mustPayload(t, `[{"type":"set","key":"a","value":1},{"type":"clear"}]`)))
	assert.NoError(t, interpreter.Validate(mustPayload(t, `[]`)))
	assert.ErrorIs(t, interpreter.Validate(mustPayload(t, `[{"type":"bogus"}]`)), ErrUnknownEventType)
	assert.ErrorIs(t, interpreter.Validate(mustPayload(t, `[{"type":"delete"}]`)), ErrMissingKey)
	assert.Error(t, interpreter.Validate(mustPayload(t, `[1]`)))

	var validator syncengine.PayloadValidator = interpreter
	assert.NotNil(t, validator)
}

func TestInterpreter_FoldsThroughSnapshotCache(t *testing.T) {
	source := &staticSource{events: []eventlog.Event{
		eventlog.NewCommittedEvent("room", "alice", 1, mustPayload(t, `[{"type":"set","key":"a","value":1}]`), 1, 0),
		eventlog.NewCommittedEvent("room", "bob", 1, mustPayload(t, `[{"type":"set","key":"b","value":2},{"type":"delete","key":"a"}]`), 2, 0),
	}}
	cache, err := snapshot.NewCache(snapshot.CacheConfig{Source: source, Interpreter: NewInterpreter()})
	require.NoError(t, err)

	result, err := cache.Get(t.Context(), "room")
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(result.State))
	assert.Equal(t, eventlog.LogPosition(2), result.HighWaterMark)
}

func mustApply(t *testing.T, interpreter Interpreter, state snapshot.State, payload string) snapshot.State {
	t.Helper()
	next, err := interpreter.Apply(state, mustPayload(t, payload))
	require.NoError(t, err)
	return next
}

func mustPayload(t *testing.T, value string) eventlog.Payload {
	t.Helper()
	payload, err := eventlog.NewPayload([]byte(value))
	require.NoError(t, err)
	return payload
}

type staticSource struct {
	events []eventlog.Event
}

func (source *staticSource) Query(_ context.Context, _ eventlog.RoomID, since eventlog.LogPosition) ([]eventlog.Event, error) {
	var matched []eventlog.Event
	for _, event := range source.events {
		if event.LogPosition() > since {
			matched = append(matched, event)
		}
	}
	return matched, nil
}
