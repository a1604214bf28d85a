package protocol

// This package implements parsing and serialising of RESP, the wire
// protocol that Redis servers speak with their clients.
//
// RESP aims to be
//
// - simple to implement
// - efficient to parse
// - human readable (mostly)
//
// - `Value`   - A single protocol value, of any of the five RESP types.
// - `Decoder` - Turns an arbitrarily chunked byte stream into Values.
// - `WriteCommand` / `AppendCommand` - Serialise a client command.
//
// === General Syntax
//
// - lines are `\r\n` delimited
// - every frame starts with a single type byte
//
//   ```
//     +<text>\r\n                simple string (status replies, e.g. OK)
//     -<message>\r\n             error
//     :<number>\r\n              signed 64bit integer
//     $<len>\r\n<bytes>\r\n      bulk string, binary safe
//     *<len>\r\n<frames...>      array, elements are themselves frames
//   ```
//
// A bulk string or array with a declared length of exactly -1 denotes a
// null value. Null is distinct from empty: a missing key GETs back
// `$-1\r\n`, an empty value GETs back `$0\r\n\r\n`.
//
// === Commands
//
// A client command is always one array of bulk strings, e.g.
//
//   ```
//     *3\r\n$3\r\nSET\r\n$5\r\nhello\r\n$5\r\nworld\r\n
//   ```
//
// Arguments are never escaped or length limited; any byte sequence,
// including \r\n and NUL, is a valid argument.
//
// === Push frames
//
// A server can push pub/sub traffic at any point between command
// replies. Push frames carry no correlation ID; they are recognised by
// shape alone. A published message arrives as
//
//   ```
//     *3\r\n$7\r\nmessage\r\n$<n>\r\n<channel>\r\n$<n>\r\n<payload>\r\n
//   ```
//
// and a pattern match as a 4 element `pmessage` array. Telling these
// apart from ordinary replies is the client's job, not this package's;
// the Decoder just yields Values in stream order.
//
// Note: TCP delivers bytes with arbitrary chunking, so a frame can be
//       split anywhere, including mid-length-prefix. The Decoder keeps
//       explicit cursor state between Feed calls and never treats a
//       short buffer as an error.
