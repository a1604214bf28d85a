package protocol

import (
	"errors"
	"io"
	"strconv"
)

var (
	Terminal = []byte("\r\n")

	ErrEmptyCommand = errors.New("a command needs at least a command name")
)

// AppendCommand appends the wire encoding of a client command to dst
// and returns the extended slice. A command is always encoded as one
// array of bulk strings, so arguments are binary safe.
func AppendCommand(dst []byte, args ...[]byte) []byte {
	dst = append(dst, byte(KindArray))
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, Terminal...)

	for _, arg := range args {
		dst = append(dst, byte(KindBulkString))
		dst = strconv.AppendInt(dst, int64(len(arg)), 10)
		dst = append(dst, Terminal...)
		dst = append(dst, arg...)
		dst = append(dst, Terminal...)
	}

	return dst
}

// WriteCommand encodes a client command and writes it to w in a single
// Write call, so a command is never interleaved with other writers of w.
func WriteCommand(w io.Writer, args ...[]byte) error {
	if len(args) == 0 {
		return ErrEmptyCommand
	}

	_, err := w.Write(AppendCommand(nil, args...))
	return err
}

// Append appends the wire encoding of any Value to dst. It is the
// inverse of Decoder.Next and is mostly useful to servers and tests.
func Append(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindSimpleString, KindError:
		dst = append(dst, byte(v.Kind))
		dst = append(dst, v.Str...)
		return append(dst, Terminal...)

	case KindInteger:
		dst = append(dst, byte(KindInteger))
		dst = strconv.AppendInt(dst, v.Num, 10)
		return append(dst, Terminal...)

	case KindBulkString:
		if v.Null {
			return append(dst, "$-1\r\n"...)
		}
		dst = append(dst, byte(KindBulkString))
		dst = strconv.AppendInt(dst, int64(len(v.Str)), 10)
		dst = append(dst, Terminal...)
		dst = append(dst, v.Str...)
		return append(dst, Terminal...)

	case KindArray:
		if v.Null {
			return append(dst, "*-1\r\n"...)
		}
		dst = append(dst, byte(KindArray))
		dst = strconv.AppendInt(dst, int64(len(v.Elems)), 10)
		dst = append(dst, Terminal...)
		for _, elem := range v.Elems {
			dst = Append(dst, elem)
		}
		return dst

	default:
		// Values always come from this package's constructors or
		// decoder, so an unknown kind is a programming error.
		panic("protocol: cannot encode value of kind " + v.Kind.String())
	}
}

// WriteValue encodes v and writes it to w in a single Write call.
func WriteValue(w io.Writer, v Value) error {
	_, err := w.Write(Append(nil, v))
	return err
}
