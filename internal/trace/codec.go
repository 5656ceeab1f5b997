package trace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/session"
)

// MaxFrame bounds a single binary frame.
const MaxFrame = 1 << 20

// Writer serializes records. Close writes the terminator but does not
// close the underlying writer.
type Writer interface {
	Write(r Record) error
	Flush() error
	Close() error
}

// Reader deserializes records. Next returns io.EOF after the terminator.
type Reader interface {
	Next() (Record, error)
}

// NewWriter returns a writer for the given format.
func NewWriter(w io.Writer, f session.Format) (Writer, error) {
	bw := bufio.NewWriter(w)
	switch f {
	case session.FormatBinary:
		return &binaryWriter{w: bw}, nil
	case session.FormatJSONLines:
		return &jsonWriter{w: bw, enc: json.NewEncoder(bw)}, nil
	}
	return nil, fmt.Errorf("unsupported stream %s", f)
}

// NewReader returns a reader for the given format.
func NewReader(r io.Reader, f session.Format) (Reader, error) {
	cr := &countingReader{r: bufio.NewReader(r)}
	switch f {
	case session.FormatBinary:
		return &binaryReader{r: cr}, nil
	case session.FormatJSONLines:
		return &jsonReader{dec: json.NewDecoder(cr)}, nil
	}
	return nil, fmt.Errorf("unsupported stream %s", f)
}

// All iterates over the records of r. Iteration stops silently at the
// terminator and yields a single error otherwise.
func All(r Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			rec, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

// binary frame:
//
//	uint32 len | uint16 providerLen | provider | uint16 id | uint16 nameLen |
//	name | uint8 level | int64 unix nanos | uint32 payloadLen | payload
//
// len == 0 terminates the stream.
type binaryWriter struct {
	w   *bufio.Writer
	buf []byte
}

func (w *binaryWriter) Write(r Record) error {
	if len(r.Provider) > math.MaxUint16 || len(r.Name) > math.MaxUint16 {
		return fmt.Errorf("record %s: name too long", r)
	}
	n := 2 + len(r.Provider) + 2 + 2 + len(r.Name) + 1 + 8 + 4 + len(r.Payload)
	if n > MaxFrame {
		return fmt.Errorf("record %s: frame of %d bytes exceeds limit", r, n)
	}
	b := w.buf[:0]
	b = binary.LittleEndian.AppendUint32(b, uint32(n))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(r.Provider)))
	b = append(b, r.Provider...)
	b = binary.LittleEndian.AppendUint16(b, r.EventID)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(r.Name)))
	b = append(b, r.Name...)
	b = append(b, byte(r.Level))
	b = binary.LittleEndian.AppendUint64(b, uint64(r.Timestamp.UnixNano()))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.Payload)))
	b = append(b, r.Payload...)
	w.buf = b
	_, err := w.w.Write(b)
	return err
}

func (w *binaryWriter) Flush() error { return w.w.Flush() }

func (w *binaryWriter) Close() error {
	if _, err := w.w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	return w.w.Flush()
}

type binaryReader struct {
	r   *countingReader
	buf []byte
}

func (r *binaryReader) Next() (Record, error) {
	var head [4]byte
	start := r.r.n
	if _, err := io.ReadFull(r.r, head[:]); err != nil {
		return Record{}, r.broken(start, err)
	}
	n := binary.LittleEndian.Uint32(head[:])
	if n == 0 {
		return Record{}, io.EOF
	}
	if n > MaxFrame {
		return Record{}, &StreamError{Offset: start, Err: fmt.Errorf("frame of %d bytes exceeds limit", n)}
	}
	if cap(r.buf) < int(n) {
		r.buf = make([]byte, n)
	}
	b := r.buf[:n]
	if _, err := io.ReadFull(r.r, b); err != nil {
		return Record{}, r.broken(start, err)
	}
	rec, err := decodeFrame(b)
	if err != nil {
		return Record{}, &StreamError{Offset: start, Err: err}
	}
	return rec, nil
}

func (r *binaryReader) broken(offset int64, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &StreamError{Offset: offset, Err: err}
}

var errShortFrame = errors.New("short frame")

func decodeFrame(b []byte) (Record, error) {
	var rec Record
	str := func() (string, bool) {
		if len(b) < 2 {
			return "", false
		}
		n := int(binary.LittleEndian.Uint16(b))
		if len(b) < 2+n {
			return "", false
		}
		s := string(b[2 : 2+n])
		b = b[2+n:]
		return s, true
	}

	var ok bool
	if rec.Provider, ok = str(); !ok {
		return rec, errShortFrame
	}
	if len(b) < 2 {
		return rec, errShortFrame
	}
	rec.EventID = binary.LittleEndian.Uint16(b)
	b = b[2:]
	if rec.Name, ok = str(); !ok {
		return rec, errShortFrame
	}
	if len(b) < 1+8+4 {
		return rec, errShortFrame
	}
	rec.Level = session.Level(b[0])
	rec.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(b[1:]))).UTC()
	n := int(binary.LittleEndian.Uint32(b[9:]))
	b = b[13:]
	if len(b) != n {
		return rec, fmt.Errorf("payload length %d does not match frame remainder %d", n, len(b))
	}
	if n > 0 {
		rec.Payload = append([]byte(nil), b...)
	}
	return rec, nil
}

type jsonLine struct {
	*Record
	End bool `json:"end,omitempty"`
}

type jsonWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func (w *jsonWriter) Write(r Record) error {
	return w.enc.Encode(jsonLine{Record: &r})
}

func (w *jsonWriter) Flush() error { return w.w.Flush() }

func (w *jsonWriter) Close() error {
	if err := w.enc.Encode(jsonLine{End: true}); err != nil {
		return err
	}
	return w.w.Flush()
}

type jsonReader struct {
	dec *json.Decoder
}

func (r *jsonReader) Next() (Record, error) {
	offset := r.dec.InputOffset()
	var line jsonLine
	if err := r.dec.Decode(&line); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, &StreamError{Offset: offset, Err: err}
	}
	if line.End {
		return Record{}, io.EOF
	}
	if line.Record == nil || line.Provider == "" {
		return Record{}, &StreamError{Offset: offset, Err: errors.New("record without provider")}
	}
	rec := *line.Record
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
