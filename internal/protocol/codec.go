// Package protocol implements the tradegate wire format: length-prefixed frames for the
// binary transport and the JSON command/event envelopes shared by both transports.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxMessageBytes caps a single JSON payload on either transport.
	MaxMessageBytes = 1 << 20
	// MaxDiscardBytes is the largest oversized frame that is skipped instead of treated as corruption.
	MaxDiscardBytes = 64 << 20

	headerSize = 4
)

// ErrFrameCorrupt means the stream can no longer be trusted to be frame aligned.
var ErrFrameCorrupt = errors.New("frame corrupt")

// OversizeError is returned when a frame declares a payload above the message cap.
// The payload has already been discarded, so the stream stays aligned.
type OversizeError struct {
	Size  uint32
	Limit int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("message of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// FrameReader reads length-prefixed frames from a byte stream.
type FrameReader struct {
	r     io.Reader
	limit int
	hdr   [headerSize]byte
}

// NewFrameReader wraps r. A limit <= 0 selects MaxMessageBytes.
func NewFrameReader(r io.Reader, limit int) *FrameReader {
	if limit <= 0 || limit > MaxMessageBytes {
		limit = MaxMessageBytes
	}
	return &FrameReader{r: r, limit: limit}
}

// ReadFrame returns the next payload. io.EOF is returned only on a clean boundary.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrFrameCorrupt)
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint32(fr.hdr[:])
	if int64(size) > int64(fr.limit) {
		if int64(size) > MaxDiscardBytes {
			return nil, fmt.Errorf("%w: declared length %d", ErrFrameCorrupt, size)
		}
		if _, err := io.CopyN(io.Discard, fr.r, int64(size)); err != nil {
			return nil, fmt.Errorf("%w: truncated oversize payload", ErrFrameCorrupt)
		}
		return nil, &OversizeError{Size: size, Limit: fr.limit}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrFrameCorrupt, err)
	}
	return payload, nil
}

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageBytes {
		return dst, &OversizeError{Size: uint32(len(payload)), Limit: MaxMessageBytes}
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes one frame with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, headerSize+len(payload)), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
