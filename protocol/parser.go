package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrProtocol is the root of every malformed-frame error this
	// package produces. Once a Decoder has returned an error wrapping
	// ErrProtocol there is no way to find the next frame boundary, so
	// the stream cannot be resynchronised and must be abandoned.
	ErrProtocol = errors.New("RESP protocol violation")

	ErrUnexpectedPrefix = fmt.Errorf("%w: unknown frame type byte", ErrProtocol)
	ErrBadLength        = fmt.Errorf("%w: malformed length prefix", ErrProtocol)
	ErrBadInteger       = fmt.Errorf("%w: malformed integer payload", ErrProtocol)
	ErrBadTerminator    = fmt.Errorf("%w: missing CRLF terminator", ErrProtocol)
)

// Limits the server side of the protocol enforces on inbound frames.
// A header declaring more is a protocol violation, never an allocation
// request: a handful of header bytes must not be able to reserve
// gigabytes before a single payload byte arrives.
const (
	// MaxBulkLength is the largest bulk string payload accepted,
	// matching Redis' proto-max-bulk-len default of 512MB.
	MaxBulkLength = 512 << 20

	// MaxArrayLength is the largest declared element count accepted,
	// matching Redis' multibulk limit of 1024*1024.
	MaxArrayLength = 1 << 20
)

// openArray tracks an array frame whose header has been consumed but
// whose elements are still arriving.
type openArray struct {
	want  int
	elems []Value
}

// Decoder is an incremental RESP parser.
//
// Feed it bytes as they arrive off the wire, in whatever chunks TCP
// happens to deliver, and call Next until it reports that no complete
// frame is buffered. The decoder keeps explicit parse state between
// calls: a bulk-string length whose payload hasn't arrived yet, and the
// stack of arrays whose elements are still being collected. It never
// rescans a frame from its start when more bytes arrive.
//
// A Decoder is not safe for concurrent use. After Next returns an
// error, every subsequent call returns the same error.
type Decoder struct {
	buf []byte
	pos int

	// bulkLen is the declared length of a bulk string whose header has
	// been consumed but whose payload hasn't fully arrived.
	bulkLen     int
	bulkPending bool

	stack []openArray

	failed error
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends bytes received from the stream to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	if d.pos > 0 {
		// Drop the consumed prefix before growing the buffer.
		d.buf = append(d.buf[:0], d.buf[d.pos:]...)
		d.pos = 0
	}

	d.buf = append(d.buf, p...)
}

// Buffered returns the number of unconsumed bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// Next returns the next complete frame from the buffered bytes.
//
// ok is false when the buffer holds only a partial frame; that is not
// an error, just a signal to Feed more bytes. An error means the stream
// is malformed and wraps ErrProtocol.
func (d *Decoder) Next() (v Value, ok bool, err error) {
	if d.failed != nil {
		return Value{}, false, d.failed
	}

	v, ok, err = d.next()
	if err != nil {
		d.failed = err
	}

	return v, ok, err
}

func (d *Decoder) next() (Value, bool, error) {
	for {
		var (
			v        Value
			complete bool
		)

		if d.bulkPending {
			payload, ok, err := d.readBulkPayload()
			if err != nil {
				return Value{}, false, err
			}
			if !ok {
				return Value{}, false, nil
			}

			v, complete = BulkString(payload), true
		} else {
			line, ok, err := d.readLine()
			if err != nil {
				return Value{}, false, err
			}
			if !ok {
				return Value{}, false, nil
			}

			v, complete, err = d.parseHeader(line)
			if err != nil {
				return Value{}, false, err
			}
		}

		if !complete {
			// A bulk or array header was consumed; loop for the payload
			// or the first element.
			continue
		}

		v, done := d.fill(v)
		if done {
			return v, true, nil
		}
	}
}

// fill hands a completed frame to the innermost open array. It returns
// done=true with the finished top-level frame once no arrays remain
// open.
func (d *Decoder) fill(v Value) (Value, bool) {
	for len(d.stack) > 0 {
		top := &d.stack[len(d.stack)-1]
		top.elems = append(top.elems, v)

		if len(top.elems) < top.want {
			// The array still needs elements; go parse the next frame.
			return Value{}, false
		}

		v = Value{Kind: KindArray, Elems: top.elems}
		d.stack = d.stack[:len(d.stack)-1]
	}

	return v, true
}

// parseHeader consumes one `<type byte><payload>\r\n` line. For simple
// strings, errors, integers and null bulk/array it produces a complete
// value; for bulk string and array headers it records the declared
// length and reports complete=false.
func (d *Decoder) parseHeader(line []byte) (v Value, complete bool, err error) {
	if len(line) == 0 {
		return Value{}, false, fmt.Errorf("empty frame line: %w", ErrBadTerminator)
	}

	prefix, rest := line[0], line[1:]

	switch prefix {
	case byte(KindSimpleString):
		return Value{Kind: KindSimpleString, Str: copyBytes(rest)}, true, nil

	case byte(KindError):
		return Value{Kind: KindError, Str: copyBytes(rest)}, true, nil

	case byte(KindInteger):
		n, err := strconv.ParseInt(string(rest), 10, 64)
		if err != nil {
			return Value{}, false, fmt.Errorf("failed to parse %q: %w", rest, ErrBadInteger)
		}
		return Integer(n), true, nil

	case byte(KindBulkString):
		n, err := parseLength(rest)
		if err != nil {
			return Value{}, false, err
		}
		if n == -1 {
			return NullBulkString(), true, nil
		}
		if n > MaxBulkLength {
			return Value{}, false, fmt.Errorf("declared bulk length %d exceeds %d: %w",
				n, MaxBulkLength, ErrBadLength)
		}

		d.bulkLen = n
		d.bulkPending = true
		return Value{}, false, nil

	case byte(KindArray):
		n, err := parseLength(rest)
		if err != nil {
			return Value{}, false, err
		}
		if n == -1 {
			return NullArray(), true, nil
		}
		if n == 0 {
			return Array(), true, nil
		}
		if n > MaxArrayLength {
			return Value{}, false, fmt.Errorf("declared element count %d exceeds %d: %w",
				n, MaxArrayLength, ErrBadLength)
		}

		// elems grows as elements actually decode; the declared count
		// alone never sizes an allocation.
		d.stack = append(d.stack, openArray{want: n})
		return Value{}, false, nil

	default:
		return Value{}, false, fmt.Errorf("byte %q: %w", prefix, ErrUnexpectedPrefix)
	}
}

// readLine consumes one CRLF terminated line, excluding the terminator.
// ok is false when no full line is buffered yet.
func (d *Decoder) readLine() ([]byte, bool, error) {
	idx := bytes.IndexByte(d.buf[d.pos:], '\n')
	if idx < 0 {
		return nil, false, nil
	}

	line := d.buf[d.pos : d.pos+idx]
	if len(line) == 0 || line[len(line)-1] != '\r' {
		return nil, false, fmt.Errorf("line %q ends in bare LF: %w", line, ErrBadTerminator)
	}

	d.pos += idx + 1

	return line[:len(line)-1], true, nil
}

// readBulkPayload consumes the declared bulkLen payload bytes plus the
// trailing CRLF. ok is false until all of them have arrived.
func (d *Decoder) readBulkPayload() ([]byte, bool, error) {
	if d.Buffered() < d.bulkLen+2 {
		return nil, false, nil
	}

	payload := d.buf[d.pos : d.pos+d.bulkLen]
	term := d.buf[d.pos+d.bulkLen : d.pos+d.bulkLen+2]

	if term[0] != '\r' || term[1] != '\n' {
		return nil, false, fmt.Errorf("bulk string of length %d not followed by CRLF: %w",
			d.bulkLen, ErrBadTerminator)
	}

	d.pos += d.bulkLen + 2
	d.bulkPending = false

	return copyBytes(payload), true, nil
}

// parseLength parses the declared length of a bulk string or array
// header. -1 is the only legal negative value; it denotes null.
func parseLength(raw []byte) (int, error) {
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q: %w", raw, ErrBadLength)
	}

	if n < -1 {
		return 0, fmt.Errorf("declared length %d: %w", n, ErrBadLength)
	}

	return n, nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
