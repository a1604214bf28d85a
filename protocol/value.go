package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Kind identifies which of the five RESP types a Value holds.
type Kind byte

const (
	KindSimpleString Kind = '+'
	KindError        Kind = '-'
	KindInteger      Kind = ':'
	KindBulkString   Kind = '$'
	KindArray        Kind = '*'
)

func (k Kind) String() string {
	switch k {
	case KindSimpleString:
		return "simple-string"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulkString:
		return "bulk-string"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("unknown(%q)", byte(k))
	}
}

// Value is a single decoded RESP frame.
//
// Str carries the payload for simple strings, errors and bulk strings.
// Num carries the payload for integers. Elems carries array elements.
// Null marks the RESP null bulk string ($-1) and null array (*-1), which
// are distinct from an empty bulk string and an empty array.
type Value struct {
	Kind  Kind
	Str   []byte
	Num   int64
	Elems []Value
	Null  bool
}

// ServerError is a well formed RESP error frame returned by the server
// for a specific command. It is scoped to that command alone and says
// nothing about the health of the connection.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Convenience constructors, mostly useful in tests and fake servers.

func SimpleString(s string) Value {
	return Value{Kind: KindSimpleString, Str: []byte(s)}
}

func ErrorValue(msg string) Value {
	return Value{Kind: KindError, Str: []byte(msg)}
}

func Integer(n int64) Value {
	return Value{Kind: KindInteger, Num: n}
}

func BulkString(b []byte) Value {
	return Value{Kind: KindBulkString, Str: b}
}

func NullBulkString() Value {
	return Value{Kind: KindBulkString, Null: true}
}

func Array(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{Kind: KindArray, Elems: elems}
}

func NullArray() Value {
	return Value{Kind: KindArray, Null: true}
}

// IsNull reports whether the value is a null bulk string or null array.
func (v Value) IsNull() bool {
	return v.Null
}

// Text returns the value's payload as a string. For integers it formats
// the number; for arrays it returns "".
func (v Value) Text() string {
	switch v.Kind {
	case KindInteger:
		return strconv.FormatInt(v.Num, 10)
	case KindArray:
		return ""
	default:
		return string(v.Str)
	}
}

// Bytes returns the raw payload for string-ish values and nil otherwise.
func (v Value) Bytes() []byte {
	switch v.Kind {
	case KindSimpleString, KindError, KindBulkString:
		return v.Str
	default:
		return nil
	}
}

// Int returns the value as an int64. Integers return their payload;
// simple and bulk strings are parsed as base 10.
func (v Value) Int() (int64, error) {
	switch v.Kind {
	case KindInteger:
		return v.Num, nil
	case KindSimpleString, KindBulkString:
		if v.Null {
			return 0, errors.New("cannot convert null bulk string to integer")
		}
		return strconv.ParseInt(string(v.Str), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %s value to integer", v.Kind)
	}
}

// ErrorOrNil returns a *ServerError if the value is an error frame.
// Otherwise it returns nil.
func (v Value) ErrorOrNil() error {
	if v.Kind == KindError {
		return &ServerError{Message: string(v.Str)}
	}

	return nil
}

// Equal reports whether two values are semantically identical, including
// the null/empty distinction for bulk strings and arrays.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Null != o.Null {
		return false
	}

	switch v.Kind {
	case KindInteger:
		return v.Num == o.Num

	case KindArray:
		if v.Null {
			return true
		}
		if len(v.Elems) != len(o.Elems) {
			return false
		}
		for i := range v.Elems {
			if !v.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}
		return true

	default:
		if v.Null {
			return true
		}
		return bytes.Equal(v.Str, o.Str)
	}
}

// String renders the value for logs and error messages. It is not the
// wire format; use Append for that.
func (v Value) String() string {
	if v.Null {
		return fmt.Sprintf("%s(null)", v.Kind)
	}

	switch v.Kind {
	case KindInteger:
		return fmt.Sprintf("integer(%d)", v.Num)
	case KindArray:
		return fmt.Sprintf("array(len=%d)", len(v.Elems))
	default:
		return fmt.Sprintf("%s(%q)", v.Kind, v.Str)
	}
}
