package client

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JSON document helpers. The protocol engine only ever moves opaque
// byte strings; these treat a stored bulk string as a JSON document and
// address into it with gjson path syntax ("user.name", "tags.0", ...).

// GetPath fetches key and resolves path inside its JSON document. A
// missing key and a missing path both come back as a non-existent
// gjson.Result.
func (c *Conn) GetPath(ctx context.Context, key, path string) (gjson.Result, error) {
	doc, ok, err := c.Get(ctx, key)
	if err != nil {
		return gjson.Result{}, err
	}
	if !ok {
		return gjson.Result{}, nil
	}

	return gjson.GetBytes(doc, path), nil
}

// SetPath updates path inside key's JSON document and writes the
// document back. A missing key starts from an empty document.
//
// This is a read-modify-write of two commands, not an atomic update;
// concurrent writers of the same key can lose updates.
func (c *Conn) SetPath(ctx context.Context, key, path string, value interface{}) error {
	doc, _, err := c.Get(ctx, key)
	if err != nil {
		return err
	}

	doc, err = sjson.SetBytes(doc, path, value)
	if err != nil {
		return fmt.Errorf("failed to set %q in document %q: %w", path, key, err)
	}

	return c.Set(ctx, key, doc)
}
