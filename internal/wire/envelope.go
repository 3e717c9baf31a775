// Package wire implements the envelope codec spoken with the agent process.
//
// envelope.go - one message unit on the wire
//
// This file contains:
// - Envelope, the union of request, response and stream frame
// - Kind classification and structural validation
// - Encode/Decode for a single envelope
//
// A message is a stream frame iff stream != 0. Otherwise it is a request when
// method is present and a response when it is absent. params, result and
// error are mutually exclusive with each other and with the stream fields.

package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
)

// JSONRPCVersion is stamped on every outgoing envelope.
const JSONRPCVersion = "2.0"

// StreamKind marks an envelope as a stream frame.
type StreamKind int8

const (
	StreamNone  StreamKind = 0
	StreamOpen  StreamKind = 1
	StreamClose StreamKind = -1
)

func (k StreamKind) String() string {
	switch k {
	case StreamNone:
		return "none"
	case StreamOpen:
		return "open"
	case StreamClose:
		return "close"
	default:
		return "invalid(" + strconv.Itoa(int(k)) + ")"
	}
}

// Kind is the classification of an envelope.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// ID is a correlation identifier. Peers may send numbers; they are kept as
// their decimal text.
type ID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used in replies.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Envelope is one wire unit.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Stream  StreamKind      `json:"stream,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Kind classifies the envelope.
func (e *Envelope) Kind() Kind {
	if e.Stream != StreamNone {
		return KindStream
	}
	if e.Method != "" {
		return KindRequest
	}
	return KindResponse
}

// IsNotification reports whether e is a request that expects no response.
func (e *Envelope) IsNotification() bool {
	return e.Kind() == KindRequest && e.ID == ""
}

// Validate checks the structural invariants of the envelope.
func (e *Envelope) Validate() error {
	switch e.Stream {
	case StreamNone, StreamOpen, StreamClose:
	default:
		return protocolErrorf("invalid stream kind %d", e.Stream)
	}

	if e.Stream != StreamNone {
		if e.ID == "" {
			return protocolErrorf("stream frame without id")
		}
		if e.Method != "" || len(e.Params) > 0 || len(e.Result) > 0 || e.Error != nil {
			return protocolErrorf("stream frame %q carries call fields", e.ID)
		}
		if e.Stream == StreamClose && len(e.Data) > 0 && !isNull(e.Data) {
			return protocolErrorf("close frame %q carries data", e.ID)
		}
		return nil
	}

	if len(e.Data) > 0 {
		return protocolErrorf("data without stream kind on %q", e.ID)
	}

	members := 0
	if len(e.Params) > 0 {
		members++
	}
	if len(e.Result) > 0 {
		members++
	}
	if e.Error != nil {
		members++
	}
	if members > 1 {
		return protocolErrorf("params, result and error are mutually exclusive (id %q)", e.ID)
	}

	if e.Method == "" {
		if e.ID == "" {
			return protocolErrorf("response without id")
		}
		if len(e.Params) > 0 {
			return protocolErrorf("response %q carries params", e.ID)
		}
	} else if len(e.Result) > 0 || e.Error != nil {
		return protocolErrorf("request %q carries result or error", e.ID)
	}
	return nil
}

// Encode validates and serializes one envelope without a trailing newline.
// Raw payloads come out compacted, so Decode(Encode(e)) equals e byte for
// byte only when e's payloads are compact. The constructors below compact
// what they are given.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, protocolErrorf("cannot encode nil envelope")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, "encode", err)
	}
	return data, nil
}

// Decode parses one envelope. The JSON literal null decodes to (nil, nil):
// it is a peer anomaly, not a failure.
func Decode(data []byte) (*Envelope, error) {
	data = bytes.TrimSpace(data)
	if isNull(data) {
		return nil, nil
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, "decode", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

func protocolErrorf(format string, args ...any) error {
	return agenterr.Errorf(agenterr.KindProtocol, "envelope", format, args...)
}

// NewRequest builds a request envelope. params is marshaled unless nil.
func NewRequest(id ID, method string, params any) (*Envelope, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// NewResult builds a success response.
func NewResult(id ID, result any) (*Envelope, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Envelope{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewError builds an error response.
func NewError(id ID, code int, message string) *Envelope {
	return &Envelope{JSONRPC: JSONRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// NewFrame builds a stream frame. data is ignored for close frames.
func NewFrame(id ID, kind StreamKind, data json.RawMessage) *Envelope {
	e := &Envelope{JSONRPC: JSONRPCVersion, ID: id, Stream: kind}
	if kind == StreamOpen {
		if c, err := compact(data); err == nil {
			data = c
		}
		// Invalid JSON is kept as is and rejected by Encode.
		e.Data = data
	}
	return e
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		c, err := compact(raw)
		if err != nil {
			return nil, agenterr.Wrap(agenterr.KindProtocol, "marshal payload", err)
		}
		return c, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, "marshal payload", err)
	}
	return data, nil
}

// compact strips insignificant whitespace from raw JSON.
func compact(raw json.RawMessage) (json.RawMessage, error) {
	if raw == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
