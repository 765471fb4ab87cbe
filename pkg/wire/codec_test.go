package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
)

func allVariants() []Frame {
	payload := StringPayload(`{"url":"https://example.com"}`)
	return []Frame{
		NewRequest(1, ActionCollect, payload),
		NewRequest(2, ActionGetMetadata, nil),
		NewResponse(1, ActionCollect, payload),
		NewEvent(ActionTabActivated, payload),
		NewError(3, "CORRELATION_TIMEOUT", "request timed out", "10s elapsed"),
		NewCancel(4),
	}
}

func TestRoundTripAllVariants(t *testing.T) {
	for _, frame := range allVariants() {
		data, err := Encode(frame)
		require.NoError(t, err, "encode %s", frame.VariantName())

		dec := NewDecoder()
		_, _ = dec.Write(data)
		got, err := dec.Next()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, frame, *got)

		// Encoding the decoded frame reproduces the original bytes.
		again, err := Encode(*got)
		require.NoError(t, err)
		assert.Equal(t, data, again)
	}
}

func TestDecoderPartialReads(t *testing.T) {
	frame := NewRequest(42, ActionGenerateSnapshot, StringPayload("x"))
	data, err := Encode(frame)
	require.NoError(t, err)

	dec := NewDecoder()
	for i := 0; i < len(data); i++ {
		got, err := dec.Next()
		require.NoError(t, err)
		require.Nil(t, got, "frame must not surface before byte %d of %d", i, len(data))
		_, _ = dec.Write(data[i : i+1])
	}

	got, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, frame, *got)
}

func TestDecoderMultipleFramesOneWrite(t *testing.T) {
	var stream bytes.Buffer
	frames := allVariants()
	for _, f := range frames {
		data, err := Encode(f)
		require.NoError(t, err)
		stream.Write(data)
	}

	dec := NewDecoder()
	_, _ = dec.Write(stream.Bytes())

	for i, want := range frames {
		got, err := dec.Next()
		require.NoError(t, err, "frame %d", i)
		require.NotNil(t, got, "frame %d", i)
		assert.Equal(t, want, *got)
	}

	got, err := dec.Next()
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, dec.Buffered())
}

func TestDecoderRejectsZeroLength(t *testing.T) {
	dec := NewDecoder()
	_, _ = dec.Write([]byte{0, 0, 0, 0})

	_, err := dec.Next()
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeProtocolMalformed))

	// The decoder stays usable for the next well-formed frame.
	frame := NewCancel(9)
	data, err := Encode(frame)
	require.NoError(t, err)
	_, _ = dec.Write(data)

	got, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, frame, *got)
}

func TestDecoderRejectsOversized(t *testing.T) {
	dec := NewDecoder()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameSize+1)
	_, _ = dec.Write(header[:])

	_, err := dec.Next()
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeProtocolOversized))

	// Feed the oversized body in chunks; the decoder must swallow it and then
	// decode the next frame.
	junk := make([]byte, MaxFrameSize+1)
	half := len(junk) / 2
	_, _ = dec.Write(junk[:half])
	got, err := dec.Next()
	require.NoError(t, err)
	assert.Nil(t, got)
	_, _ = dec.Write(junk[half:])

	frame := NewEvent(ActionSnapshot, nil)
	data, err := Encode(frame)
	require.NoError(t, err)
	_, _ = dec.Write(data)

	got, err = dec.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, frame, *got)
}

func TestDecoderRejectsMalformedJSON(t *testing.T) {
	body := []byte(`{"kind":{`)
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))

	dec := NewDecoder()
	_, _ = dec.Write(header[:])
	_, _ = dec.Write(body)

	_, err := dec.Next()
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeProtocolMalformed))

	// Malformed body was consumed in full; decoder continues.
	frame := NewResponse(5, ActionPlay, nil)
	data, err := Encode(frame)
	require.NoError(t, err)
	_, _ = dec.Write(data)

	got, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, frame, *got)
}

func TestFrameValidate(t *testing.T) {
	var empty Frame
	assert.Error(t, empty.Validate())

	two := Frame{Kind: Kind{
		Request: &Request{ID: 1, Action: ActionCollect},
		Cancel:  &Cancel{ID: 1},
	}}
	assert.Error(t, two.Validate())

	_, err := Encode(empty)
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeProtocolMalformed))
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	frame := NewRequest(7, ActionPlay, StringPayload(`{"seconds":42}`))

	require.NoError(t, WriteFrame(&buf, frame))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	_, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestCorrelationID(t *testing.T) {
	id, ok := NewRequest(11, ActionCollect, nil).CorrelationID()
	assert.True(t, ok)
	assert.Equal(t, uint64(11), id)

	_, ok = NewEvent(ActionAssets, nil).CorrelationID()
	assert.False(t, ok)
}

func TestWireShape(t *testing.T) {
	data, err := Encode(NewRequest(1, ActionGetMetadata, nil))
	require.NoError(t, err)

	body := data[4:]
	assert.JSONEq(t, `{"kind":{"Request":{"id":1,"action":"GET_METADATA","payload":null}}}`, string(body))
	assert.Equal(t, uint32(len(body)), binary.LittleEndian.Uint32(data[:4]))
}
