// Package key validates the identifiers accepted by the dedup service.
//
// An identifier is a version 4 UUID in canonical 8-4-4-4-12 hexadecimal form
// with an RFC 4122 variant. The identifier arrives as the whole request path:
//
//	/550e8400-e29b-41d4-a716-446655440000
//
// Anything else is rejected, including the brace, urn:uuid: and undashed forms
// that uuid.Parse would otherwise accept. Keys that pass this package are the
// only ones ever used as storage keys.
package key

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// canonicalLen is the length of the 8-4-4-4-12 textual form.
const canonicalLen = 36

// ErrInvalid is returned for any path or identifier outside the accepted grammar.
var ErrInvalid = errors.New("invalid identifier")

// FromPath returns the identifier embedded in path, which must be exactly
// "/" followed by a valid identifier.
func FromPath(path string) (string, error) {
	id, ok := strings.CutPrefix(path, "/")
	if !ok {
		return "", ErrInvalid
	}
	if err := Validate(id); err != nil {
		return "", err
	}
	return id, nil
}

// Validate reports whether id is a canonical version 4 RFC 4122 UUID.
func Validate(id string) error {
	if len(id) != canonicalLen {
		return ErrInvalid
	}

	u, err := uuid.Parse(id)
	if err != nil {
		return ErrInvalid
	}
	if u.Version() != 4 || u.Variant() != uuid.RFC4122 {
		return ErrInvalid
	}
	return nil
}
