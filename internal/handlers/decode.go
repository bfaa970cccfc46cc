// Package handlers holds the queue task handlers and the payload decoding
// they share.
package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks payload structs against their `validate` tags.
var Validate = validator.New()

// Decode unmarshals payload into v and validates it. Unknown fields are
// rejected so a misspelled option fails at enqueue time.
func Decode(payload json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := Validate.Struct(v); err != nil {
		return err
	}
	return nil
}
