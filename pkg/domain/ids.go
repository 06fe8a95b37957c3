package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "cartkeep/pkg/domain-errors"
)

// UserID identifies an authenticated account.
// Invariant: a parsed UserID is never the nil UUID.
type UserID uuid.UUID

// ParseUserID constructs a UserID from external input.
//
// Errors: returns CodeInvalidInput when the value is empty, malformed or the
// nil UUID.
func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user id")
	if err != nil {
		return UserID{}, err
	}
	return UserID(u), nil
}

func (id UserID) String() string { return uuid.UUID(id).String() }

// IsNil reports whether the ID is the zero value.
func (id UserID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

const maxSessionTokenLen = 128

// SessionToken is the opaque identity of an anonymous visitor.
// Tokens are minted client-side and carry no meaning beyond equality.
type SessionToken string

// NewSessionToken mints a token from a UUIDv7: a millisecond timestamp prefix
// followed by random bits, so collisions need the same millisecond and 74
// matching random bits.
func NewSessionToken() (SessionToken, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to mint session token")
	}
	return SessionToken(u.String()), nil
}

// ParseSessionToken constructs a SessionToken from external input (headers,
// the durable key-value store).
//
// Errors: returns CodeInvalidInput for empty, oversized, non-UTF8 or
// whitespace/control-bearing values.
func ParseSessionToken(s string) (SessionToken, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "session token cannot be empty")
	}
	if len(s) > maxSessionTokenLen {
		return "", dErrors.New(dErrors.CodeInvalidInput, "session token too long")
	}
	if !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "session token must be valid UTF-8")
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "session token contains invalid characters")
		}
	}
	return SessionToken(s), nil
}

func (t SessionToken) String() string { return string(t) }

// IsZero reports whether the token is unset.
func (t SessionToken) IsZero() bool { return t == "" }

const maxProductRefLen = 64

// ProductRef references a catalog item. The cart stores only this reference
// and a quantity; names and prices stay with the catalog.
type ProductRef string

// ParseProductRef constructs a ProductRef from external input.
//
// Errors: returns CodeInvalidInput when empty, longer than 64 bytes, or
// containing characters outside [A-Za-z0-9._:-].
func ParseProductRef(s string) (ProductRef, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "product ref cannot be empty")
	}
	if len(s) > maxProductRefLen {
		return "", dErrors.New(dErrors.CodeInvalidInput, "product ref too long")
	}
	for i := 0; i < len(s); i++ {
		if !isRefByte(s[i]) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "product ref contains invalid characters")
		}
	}
	return ProductRef(s), nil
}

func (r ProductRef) String() string { return string(r) }

// IsZero reports whether the ref is unset.
func (r ProductRef) IsZero() bool { return r == "" }

func isRefByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '.', b == '_', b == ':', b == '-':
		return true
	}
	return false
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	if !utf8.ValidString(s) {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}
