package wire

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
)

type recordingTap struct {
	mu       sync.Mutex
	sent     []string
	received []string
}

func (r *recordingTap) Sent(line []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, string(line))
}

func (r *recordingTap) Received(line []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, string(line))
}

func TestCodecWriteRead(t *testing.T) {
	var buf bytes.Buffer
	tap := &recordingTap{}
	w := NewCodec(strings.NewReader(""), &buf, WithTap(tap))

	req, err := NewRequest("1", MethodPrompt, PromptParams{UserInput: Text("hi")})
	require.NoError(t, err)
	require.NoError(t, w.Write(req))
	require.NoError(t, w.Write(NewFrame("1", StreamOpen, []byte(`"chunk"`))))
	require.NoError(t, w.Write(NewFrame("1", StreamClose, []byte(`"ignored"`))))

	assert.Len(t, tap.sent, 3)
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))

	r := NewCodec(&buf, io.Discard)
	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, KindRequest, got.Kind())
	assert.Equal(t, MethodPrompt, got.Method)

	got, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, StreamOpen, got.Stream)
	assert.JSONEq(t, `"chunk"`, string(got.Data))

	got, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, StreamClose, got.Stream)
	assert.Nil(t, got.Data)

	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestCodecSkipsNullAndReportsAnomaly(t *testing.T) {
	input := "null\n\n{\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{}}\n"
	var anomalies []Anomaly
	c := NewCodec(strings.NewReader(input), io.Discard, WithAnomalyHandler(func(a Anomaly) {
		anomalies = append(anomalies, a)
	}))

	env, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, ID("1"), env.ID)
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyNull, anomalies[0].Kind)
}

func TestCodecMalformedLineIsRecoverable(t *testing.T) {
	input := "{not json\n{\"id\":\"2\",\"result\":{}}\n"
	var anomalies []Anomaly
	c := NewCodec(strings.NewReader(input), io.Discard, WithAnomalyHandler(func(a Anomaly) {
		anomalies = append(anomalies, a)
	}))

	_, err := c.Read()
	require.Error(t, err)
	assert.Equal(t, agenterr.KindProtocol, agenterr.KindOf(err))

	env, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, ID("2"), env.ID)
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyMalformed, anomalies[0].Kind)
}

func TestCodecLineTooLong(t *testing.T) {
	long := `{"id":"1","result":"` + strings.Repeat("x", 256) + `"}` + "\n"
	c := NewCodec(strings.NewReader(long), io.Discard, WithMaxLineSize(64))

	_, err := c.Read()
	require.Error(t, err)
	assert.ErrorIs(t, err, agenterr.Transport)
}

func TestCodecRejectsInvalidEnvelopeOnWrite(t *testing.T) {
	c := NewCodec(strings.NewReader(""), io.Discard)
	err := c.Write(&Envelope{ID: "1", Method: "x", Result: []byte(`{}`)})
	assert.ErrorIs(t, err, agenterr.Protocol)
}
