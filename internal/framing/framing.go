// Package framing implements the length-prefixed message framing used on
// the page-facing channel: each frame is a 4-byte little-endian payload
// length followed by a UTF-8 JSON payload.
package framing

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxMessageSize matches the 1 MiB limit browsers enforce on
// messages sent to a native application.
const DefaultMaxMessageSize = 1 << 20

// headerSize is the length prefix width in bytes.
const headerSize = 4

// ErrMessageTooLarge is returned when a payload, or a declared frame
// length on the inbound path, exceeds the configured bound. A corrupt or
// adversarial stream can otherwise declare an absurd length and force
// unbounded buffering.
var ErrMessageTooLarge = errors.New("framing: message exceeds size limit")

// Encode frames a single JSON-serializable value. The returned buffer is
// complete and self-contained: one Encode call always yields exactly one
// frame, never a partial one.
func Encode(v any) ([]byte, error) {
	return EncodeMax(v, DefaultMaxMessageSize)
}

// EncodeMax is Encode with an explicit size bound.
func EncodeMax(v any, maxSize int) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if len(payload) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), maxSize)
	}

	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// Decoder reassembles frames from a byte stream delivered in arbitrary
// chunks. Feed appends incoming bytes; Next returns complete payloads
// until fewer than one whole frame remains buffered.
type Decoder struct {
	maxSize int
	buf     []byte
}

// NewDecoder creates a decoder with the given size bound. A bound of zero
// means DefaultMaxMessageSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed appends bytes read from the stream to the accumulator.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many unconsumed bytes are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete payload, or nil when fewer than a whole
// frame is buffered. A declared length beyond the size bound returns
// ErrMessageTooLarge; the decoder is then poisoned and the caller must
// drop the underlying stream, since the remaining bytes cannot be
// re-synchronized.
func (d *Decoder) Next() (json.RawMessage, error) {
	if len(d.buf) < headerSize {
		return nil, nil
	}

	length := int(binary.LittleEndian.Uint32(d.buf[:headerSize]))
	if length > d.maxSize {
		return nil, fmt.Errorf("%w: declared length %d > %d", ErrMessageTooLarge, length, d.maxSize)
	}

	if len(d.buf) < headerSize+length {
		return nil, nil
	}

	payload := make(json.RawMessage, length)
	copy(payload, d.buf[headerSize:headerSize+length])
	d.buf = d.buf[headerSize+length:]
	return payload, nil
}

// Reader reads frames one at a time from an io.Reader. Unlike Decoder it
// blocks on the stream; it is the right shape for the stdin loop where
// there is exactly one producer.
type Reader struct {
	r       io.Reader
	decoder *Decoder
	scratch []byte
}

// NewReader creates a frame reader with the given size bound (zero means
// DefaultMaxMessageSize).
func NewReader(r io.Reader, maxSize int) *Reader {
	return &Reader{
		r:       r,
		decoder: NewDecoder(maxSize),
		scratch: make([]byte, 32*1024),
	}
}

// ReadMessage returns the next payload, io.EOF at clean end of stream, or
// io.ErrUnexpectedEOF when the stream ends mid-frame.
func (r *Reader) ReadMessage() (json.RawMessage, error) {
	for {
		msg, err := r.decoder.Next()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		n, err := r.r.Read(r.scratch)
		if n > 0 {
			r.decoder.Feed(r.scratch[:n])
			continue
		}
		if err == io.EOF && r.decoder.Buffered() > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
	}
}

// Writer writes frames to an io.Writer. It is safe for concurrent use;
// each frame is written whole under an internal lock.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	maxSize int
}

// NewWriter creates a frame writer with the given size bound (zero means
// DefaultMaxMessageSize).
func NewWriter(w io.Writer, maxSize int) *Writer {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Writer{w: w, maxSize: maxSize}
}

// WriteMessage encodes v and writes the frame in a single Write call so a
// frame is never interleaved with another writer's output.
func (w *Writer) WriteMessage(v any) error {
	frame, err := EncodeMax(v, w.maxSize)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
