package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	envelopes := []*Envelope{
		{JSONRPC: JSONRPCVersion, ID: "1", Method: MethodPrompt, Params: json.RawMessage(`{"user_input":[{"type":"text","text":"hi"}]}`)},
		{JSONRPC: JSONRPCVersion, Method: MethodEvent, Params: json.RawMessage(`{"type":"step_begin","payload":{"n":1}}`)},
		{JSONRPC: JSONRPCVersion, ID: "1", Result: json.RawMessage(`{"status":"finished"}`)},
		{JSONRPC: JSONRPCVersion, ID: "2", Result: json.RawMessage(`null`)},
		{JSONRPC: JSONRPCVersion, ID: "3", Error: &RPCError{Code: CodeInvalidParams, Message: "bad"}},
		{JSONRPC: JSONRPCVersion, ID: "7", Stream: StreamOpen, Data: json.RawMessage(`"a"`)},
		{JSONRPC: JSONRPCVersion, ID: "7", Stream: StreamClose},
		{ID: "bare", Method: MethodCancel},
	}

	for _, env := range envelopes {
		t.Run(env.Kind().String()+"/"+string(env.ID), func(t *testing.T) {
			data, err := Encode(env)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, env, got)
		})
	}
}

func TestConstructorsCompactRawPayloads(t *testing.T) {
	spaced := json.RawMessage("{\"a\": 1,\n  \"b\": [1, 2]}")

	req, err := NewRequest("1", MethodPrompt, spaced)
	require.NoError(t, err)
	res, err := NewResult("2", spaced)
	require.NoError(t, err)
	frame := NewFrame("3", StreamOpen, spaced)

	for _, env := range []*Envelope{req, res, frame} {
		data, err := Encode(env)
		require.NoError(t, err)
		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, env, got)
	}
	assert.Equal(t, `{"a":1,"b":[1,2]}`, string(req.Params))

	_, err = NewRequest("4", MethodPrompt, json.RawMessage(`{"a":`))
	assert.ErrorIs(t, err, agenterr.Protocol)
}

func TestEnvelopeKind(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want Kind
	}{
		{"request", Envelope{ID: "1", Method: "prompt"}, KindRequest},
		{"notification", Envelope{Method: "event"}, KindRequest},
		{"response", Envelope{ID: "1", Result: json.RawMessage(`{}`)}, KindResponse},
		{"open frame", Envelope{ID: "1", Stream: StreamOpen}, KindStream},
		{"close frame", Envelope{ID: "1", Stream: StreamClose}, KindStream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.env.Kind())
		})
	}

	notif := Envelope{Method: "event"}
	assert.True(t, notif.IsNotification())
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid request", Envelope{ID: "1", Method: "prompt", Params: json.RawMessage(`{}`)}, false},
		{"result and error", Envelope{ID: "1", Result: json.RawMessage(`{}`), Error: &RPCError{Code: 1}}, true},
		{"request with result", Envelope{ID: "1", Method: "x", Result: json.RawMessage(`{}`)}, true},
		{"response without id", Envelope{Result: json.RawMessage(`{}`)}, true},
		{"response with params", Envelope{ID: "1", Params: json.RawMessage(`{}`)}, true},
		{"frame without id", Envelope{Stream: StreamOpen, Data: json.RawMessage(`1`)}, true},
		{"frame with method", Envelope{ID: "1", Method: "x", Stream: StreamOpen}, true},
		{"close with data", Envelope{ID: "1", Stream: StreamClose, Data: json.RawMessage(`"x"`)}, true},
		{"data without stream", Envelope{ID: "1", Result: json.RawMessage(`{}`), Data: json.RawMessage(`1`)}, true},
		{"invalid stream kind", Envelope{ID: "1", Stream: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, agenterr.KindProtocol, agenterr.KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecodeNull(t *testing.T) {
	env, err := Decode([]byte(" null \n"))
	assert.NoError(t, err)
	assert.Nil(t, env)
}

func TestDecodeNumericID(t *testing.T) {
	env, err := Decode([]byte(`{"jsonrpc":"2.0","id":7,"result":{}}`))
	require.NoError(t, err)
	assert.Equal(t, ID("7"), env.ID)
	assert.Equal(t, KindResponse, env.Kind())
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"id":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, agenterr.Protocol)
}

func TestEventDecode(t *testing.T) {
	ev, err := NewEvent(EventStepBegin, StepBegin{N: 2})
	require.NoError(t, err)

	var sb StepBegin
	require.NoError(t, ev.Decode(&sb))
	assert.Equal(t, 2, sb.N)

	assert.Error(t, Event{Type: EventTurnEnd}.Decode(&sb))
}

func TestContentString(t *testing.T) {
	c := Content{
		{Type: PartText, Text: "hello "},
		{Type: PartThink, Think: "hmm"},
		{Type: PartText, Text: "world"},
	}
	assert.Equal(t, "hello world", c.String())
	assert.False(t, c.HasAttachment())
	assert.True(t, append(c, ContentPart{Type: PartAttachment}).HasAttachment())
}
