package client

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Convenience wrappers for the common commands. Each of these is a thin
// argument-formatting shim over Do; anything not covered here is one
// Command call away.

// Ping checks the connection is alive and the server is responsive.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Command(ctx, "PING")
	return err
}

// Echo round-trips payload through the server.
func (c *Conn) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	v, err := c.Command(ctx, "ECHO", payload)
	if err != nil {
		return nil, err
	}

	return v.Bytes(), nil
}

// Get fetches a key. ok is false when the key does not exist, which is
// not an error: the server answers with a null bulk string, distinct
// from an empty value.
func (c *Conn) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	v, err := c.Command(ctx, "GET", []byte(key))
	if err != nil {
		return nil, false, err
	}

	if v.IsNull() {
		return nil, false, nil
	}

	return v.Bytes(), true, nil
}

// Set stores value under key.
func (c *Conn) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.Command(ctx, "SET", []byte(key), value)
	return err
}

// SetEx stores value under key with a time-to-live. The server rounds
// the expiry to milliseconds.
func (c *Conn) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.Command(ctx, "SET", []byte(key), value,
		[]byte("PX"), formatInt(ttl.Milliseconds()))
	return err
}

// Del removes keys and returns how many of them existed.
func (c *Conn) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.intCommand(ctx, "DEL", keyArgs(keys)...)
}

// Exists returns how many of the given keys exist.
func (c *Conn) Exists(ctx context.Context, keys ...string) (int64, error) {
	return c.intCommand(ctx, "EXISTS", keyArgs(keys)...)
}

// Incr increments key by one, creating it at zero first if missing, and
// returns the new value.
func (c *Conn) Incr(ctx context.Context, key string) (int64, error) {
	return c.intCommand(ctx, "INCR", []byte(key))
}

// IncrBy increments key by delta and returns the new value.
func (c *Conn) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.intCommand(ctx, "INCRBY", []byte(key), formatInt(delta))
}

// DecrBy decrements key by delta and returns the new value.
func (c *Conn) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.intCommand(ctx, "DECRBY", []byte(key), formatInt(delta))
}

// Expire sets a time-to-live on key. ok is false when the key does not
// exist.
func (c *Conn) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := c.intCommand(ctx, "PEXPIRE", []byte(key), formatInt(ttl.Milliseconds()))
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// TTL reports the remaining time-to-live of key. ok is false when the
// key does not exist or carries no expiry.
func (c *Conn) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	n, err := c.intCommand(ctx, "PTTL", []byte(key))
	if err != nil {
		return 0, false, err
	}

	if n < 0 {
		return 0, false, nil
	}

	return time.Duration(n) * time.Millisecond, true, nil
}

// Publish sends payload to every subscriber of channel and returns the
// number of connections it reached.
func (c *Conn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return c.intCommand(ctx, "PUBLISH", []byte(channel), payload)
}

func (c *Conn) intCommand(ctx context.Context, name string, args ...[]byte) (int64, error) {
	v, err := c.Command(ctx, name, args...)
	if err != nil {
		return 0, err
	}

	n, err := v.Int()
	if err != nil {
		return 0, fmt.Errorf("unexpected %s reply %s: %w", name, v, err)
	}

	return n, nil
}

func keyArgs(keys []string) [][]byte {
	args := make([][]byte, len(keys))
	for i, key := range keys {
		args[i] = []byte(key)
	}
	return args
}

func formatInt(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}
