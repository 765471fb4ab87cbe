package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
)

// Encode serializes a frame as a 4-byte little-endian length prefix followed
// by the UTF-8 JSON body.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeProtocolMalformed, "refusing to encode invalid frame")
	}

	body, err := json.Marshal(f)
	if err != nil {
		return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeProtocolMalformed, "failed to marshal frame")
	}
	if len(body) > MaxFrameSize {
		return nil, vigilerrors.New(vigilerrors.ErrCodeProtocolOversized, "frame body exceeds limit").
			WithContext("len", len(body)).
			WithContext("limit", MaxFrameSize)
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// DecodeBody parses a frame body (without the length prefix).
func DecodeBody(body []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, vigilerrors.Wrap(err, vigilerrors.ErrCodeProtocolMalformed, "failed to parse frame JSON")
	}
	if err := f.Validate(); err != nil {
		return Frame{}, vigilerrors.Wrap(err, vigilerrors.ErrCodeProtocolMalformed, "frame violates union invariant")
	}
	return f, nil
}

// Decoder incrementally decodes frames from a byte stream. Partial reads are
// buffered until a full frame is available, so a slow peer never blocks the
// decoder mid-frame. After a rejected frame the decoder skips the declared
// body and stays usable.
type Decoder struct {
	buf     bytes.Buffer
	discard int // bytes of a rejected body still to swallow
}

// NewDecoder creates an empty stream decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write feeds raw bytes into the decoder. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	return d.buf.Write(p)
}

// Buffered returns the number of undecoded bytes held.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Next returns the next complete frame. It returns (nil, nil) when more
// bytes are needed. A typed protocol error is returned for a zero-length or
// oversized declaration; the offending frame is dropped and Next may be
// called again.
func (d *Decoder) Next() (*Frame, error) {
	// Finish swallowing a previously rejected body.
	if d.discard > 0 {
		n := d.buf.Len()
		if n >= d.discard {
			d.buf.Next(d.discard)
			d.discard = 0
		} else {
			d.buf.Next(n)
			d.discard -= n
			return nil, nil
		}
	}

	if d.buf.Len() < 4 {
		return nil, nil
	}

	header := d.buf.Bytes()[:4]
	declared := int(binary.LittleEndian.Uint32(header))

	if declared == 0 {
		d.buf.Next(4)
		return nil, vigilerrors.New(vigilerrors.ErrCodeProtocolMalformed, "received empty frame (length = 0)")
	}
	if declared > MaxFrameSize {
		d.buf.Next(4)
		d.discard = declared
		return nil, vigilerrors.New(vigilerrors.ErrCodeProtocolOversized, "frame too large").
			WithContext("declared_len", declared).
			WithContext("limit", MaxFrameSize)
	}

	if d.buf.Len() < 4+declared {
		return nil, nil
	}

	d.buf.Next(4)
	body := make([]byte, declared)
	if _, err := io.ReadFull(&d.buf, body); err != nil {
		// Unreachable: length was checked above.
		return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeInternal, "decoder buffer underflow")
	}

	f, err := DecodeBody(body)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ReadFrame reads one framed message from r. It returns io.EOF when the
// stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportLost, "reading frame length")
	}

	declared := int(binary.LittleEndian.Uint32(header[:]))
	if declared == 0 {
		return Frame{}, vigilerrors.New(vigilerrors.ErrCodeProtocolMalformed, "received empty frame (length = 0)")
	}
	if declared > MaxFrameSize {
		return Frame{}, vigilerrors.New(vigilerrors.ErrCodeProtocolOversized, "frame too large").
			WithContext("declared_len", declared).
			WithContext("limit", MaxFrameSize)
	}

	body := make([]byte, declared)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportLost, "reading frame body")
	}
	return DecodeBody(body)
}

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return vigilerrors.Wrap(err, vigilerrors.ErrCodeTransportLost, "writing frame")
	}
	return nil
}
