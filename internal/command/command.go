// Package command defines the tagged record written to and read from the
// log: a Set{key,value} or a Remove{key}. Encoding is JSON, matching the
// reference bitcask implementation's wire format bit-for-bit: concatenated
// JSON objects with no separator, each value's own length delimiting it.
package command

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// SetPayload is the body of a Set command.
type SetPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RemovePayload is the body of a Remove command.
type RemovePayload struct {
	Key string `json:"key"`
}

// Command is a tagged union over {Set, Remove}, represented so that its
// JSON shape is {"Set":{"key":...,"value":...}} or {"Remove":{"key":...}} —
// exactly one of the two fields is non-nil.
type Command struct {
	Set    *SetPayload    `json:"Set,omitempty"`
	Remove *RemovePayload `json:"Remove,omitempty"`
}

// ErrMalformed means a decoded Command has neither or both branches set,
// which the wire format never produces from a well-formed writer.
var ErrMalformed = errors.New("command: malformed record")

// NewSet builds a Set command.
func NewSet(key, value string) Command {
	return Command{Set: &SetPayload{Key: key, Value: value}}
}

// NewRemove builds a Remove command.
func NewRemove(key string) Command {
	return Command{Remove: &RemovePayload{Key: key}}
}

// IsSet reports whether this command is a Set.
func (c Command) IsSet() bool { return c.Set != nil && c.Remove == nil }

// IsRemove reports whether this command is a Remove.
func (c Command) IsRemove() bool { return c.Remove != nil && c.Set == nil }

// Key returns the key this command addresses, regardless of branch.
// Callers must check IsSet/IsRemove (or Validate) first; Key panics on a
// malformed zero-value Command.
func (c Command) Key() string {
	switch {
	case c.IsSet():
		return c.Set.Key
	case c.IsRemove():
		return c.Remove.Key
	default:
		panic("command: Key() called on malformed command")
	}
}

// Validate checks that exactly one branch is populated.
func (c Command) Validate() error {
	if c.IsSet() == c.IsRemove() {
		return ErrMalformed
	}
	return nil
}

// Marshal encodes a single command as one self-delimiting JSON value.
func Marshal(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "command: marshal")
	}
	return data, nil
}
