// Package wire implements the little-endian framing primitives and the
// compressed text envelope shared by every frame on the bus.
//
// Envelope: raw frame -> LZMA -> standard base64. Frames are not required to
// be aligned.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ulikunitz/xz/lzma"
)

// Protocol is the frame version written as the first byte of every frame.
const Protocol uint8 = 1

// ErrShortFrame is returned when a frame ends before a field could be read.
var ErrShortFrame = errors.New("wire: short frame")

// Writer appends little-endian fields to an in-memory buffer.
type Writer struct {
	buf bytes.Buffer
	tmp [8]byte
}

func (w *Writer) U8(v uint8) { w.buf.WriteByte(v) }

func (w *Writer) U32(v uint32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], v)
	w.buf.Write(w.tmp[:4])
}

func (w *Writer) U64(v uint64) {
	binary.LittleEndian.PutUint64(w.tmp[:8], v)
	w.buf.Write(w.tmp[:8])
}

func (w *Writer) F64(v float64) { w.U64(math.Float64bits(v)) }

// F64s writes every value of vs in order, without a length prefix.
func (w *Writer) F64s(vs []float64) {
	for _, v := range vs {
		w.F64(v)
	}
}

// Raw appends b verbatim.
func (w *Writer) Raw(b []byte) { w.buf.Write(b) }

// Bytes returns the accumulated frame.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len is the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }

// Reader consumes little-endian fields. The first failure is sticky: later
// reads return zero values and Err reports the failure.
type Reader struct {
	b   []byte
	off int
	err error
}

// NewReader reads from b.
func NewReader(b []byte) *Reader { return &Reader{b: b} }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortFrame, n, r.off, len(r.b)-r.off)
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *Reader) U8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *Reader) U32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (r *Reader) U64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// F64s reads n consecutive values.
func (r *Reader) F64s(n int) []float64 {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > (len(r.b)-r.off)/8 {
		r.take(n * 8)
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = r.F64()
	}
	return out
}

// Raw returns the next n bytes (not copied).
func (r *Reader) Raw(n int) []byte { return r.take(n) }

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.b) - r.off }

// Err returns the first read failure, if any.
func (r *Reader) Err() error { return r.err }

// Compress applies the LZMA envelope.
func Compress(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	zw, err := lzma.NewWriter(&out)
	if err != nil {
		return nil, fmt.Errorf("wire: lzma writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("wire: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wire: compress close: %w", err)
	}
	return out.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	zr, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("wire: lzma reader: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("wire: decompress: %w", err)
	}
	return raw, nil
}

// Encode compresses a raw frame and base64-encodes it for the bus.
func Encode(raw []byte) (string, error) {
	z, err := Compress(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(z), nil
}

// Decode reverses Encode.
func Decode(s string) ([]byte, error) {
	z, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wire: base64: %w", err)
	}
	return Decompress(z)
}
