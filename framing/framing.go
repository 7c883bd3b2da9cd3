package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 2

	// MaxFrameSize is the largest payload a 2-byte prefix can describe.
	MaxFrameSize = 65535
)

var (
	// ErrFrameTooLarge indicates a frame whose payload exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrFrameTruncated indicates the stream ended inside a frame.
	ErrFrameTruncated = errors.New("frame truncated")
)

// Writer writes length-prefixed frames to an underlying writer.
type Writer struct {
	w       io.Writer
	maxSize int
	mu      sync.Mutex
	buf     []byte
}

// NewWriter creates a frame writer that accepts payloads up to maxSize bytes.
// A maxSize outside (0, MaxFrameSize] is clamped to MaxFrameSize.
func NewWriter(w io.Writer, maxSize int) *Writer {
	return &Writer{w: w, maxSize: clampMax(maxSize)}
}

// WriteFrame writes one frame. The prefix and payload go out in a single Write.
// Thread-safe: can be called from multiple goroutines.
func (fw *Writer) WriteFrame(payload []byte) error {
	if len(payload) > fw.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), fw.maxSize)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.buf = AppendFrame(fw.buf[:0], payload)
	if _, err := fw.w.Write(fw.buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// AppendFrame appends the length prefix and payload to dst.
// The caller must ensure len(payload) <= MaxFrameSize.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...)
}

// Reader reads length-prefixed frames from an underlying reader.
//
// An error that occurs before any byte of a frame was read, such as an
// expired read deadline, leaves the reader usable. An error in the middle
// of a frame leaves the stream misaligned; the reader then keeps returning
// that error.
type Reader struct {
	r         io.Reader
	maxSize   int
	lengthBuf [LengthPrefixSize]byte
	err       error
}

// NewReader creates a frame reader that rejects frames larger than maxSize.
// A maxSize outside (0, MaxFrameSize] is clamped to MaxFrameSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	return &Reader{r: r, maxSize: clampMax(maxSize)}
}

// ReadFrame reads one frame into a newly allocated slice.
func (fr *Reader) ReadFrame() ([]byte, error) {
	length, err := fr.NextLength()
	if err != nil {
		return nil, err
	}
	return fr.readPayload(make([]byte, length))
}

// ReadFrameInto reads one frame into buf, which must hold at least the
// configured maximum. The returned slice aliases buf.
func (fr *Reader) ReadFrameInto(buf []byte) ([]byte, error) {
	length, err := fr.NextLength()
	if err != nil {
		return nil, err
	}
	if length > len(buf) {
		return nil, fr.fail(fmt.Errorf("%w: %d > buffer %d", ErrFrameTooLarge, length, len(buf)))
	}
	return fr.readPayload(buf[:length])
}

// NextLength reads and validates the next length prefix. The payload must be
// consumed before the next call.
func (fr *Reader) NextLength() (int, error) {
	if fr.err != nil {
		return 0, fr.err
	}
	if n, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		switch {
		case n == 0 && err == io.EOF:
			return 0, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return 0, fr.fail(ErrFrameTruncated)
		case n == 0:
			return 0, fmt.Errorf("read length prefix: %w", err)
		default:
			return 0, fr.fail(fmt.Errorf("read length prefix: %w", err))
		}
	}

	length := int(binary.BigEndian.Uint16(fr.lengthBuf[:]))
	if length > fr.maxSize {
		logrus.WithFields(logrus.Fields{
			"function": "NextLength",
			"package":  "framing",
			"length":   length,
			"max_size": fr.maxSize,
		}).Debug("Rejecting oversized frame")
		return 0, fr.fail(fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxSize))
	}
	return length, nil
}

func (fr *Reader) readPayload(payload []byte) ([]byte, error) {
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, fr.fail(ErrFrameTruncated)
		}
		return nil, fr.fail(fmt.Errorf("read payload: %w", err))
	}
	return payload, nil
}

func (fr *Reader) fail(err error) error {
	fr.err = err
	return err
}

// Err returns the error that stopped the reader inside a frame, or nil while
// the reader is still aligned on a frame boundary.
func (fr *Reader) Err() error {
	return fr.err
}

// MaxSize returns the configured maximum payload size.
func (fr *Reader) MaxSize() int {
	return fr.maxSize
}

// ReadWriter combines frame reading and writing over one stream.
type ReadWriter struct {
	*Reader
	*Writer
}

// NewReadWriter creates a framer for bidirectional communication.
func NewReadWriter(rw io.ReadWriter, maxSize int) *ReadWriter {
	return &ReadWriter{
		Reader: NewReader(rw, maxSize),
		Writer: NewWriter(rw, maxSize),
	}
}

// FrameSize returns the total frame size including the length prefix.
func FrameSize(payloadSize int) int {
	return LengthPrefixSize + payloadSize
}

func clampMax(maxSize int) int {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		return MaxFrameSize
	}
	return maxSize
}
