package fieldtype

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// Argon2id parameters recommended by OWASP.
const (
	argonTime    = uint32(1)
	argonMemory  = uint32(64 * 1024)
	argonThreads = uint8(4)
	argonKeyLen  = uint32(32)
	saltLen      = 16
)

// hashPrefix starts every encoded hash: argon2id$<salt>$<hash>, both
// base64 (raw standard encoding).
const hashPrefix = "argon2id$"

type passwordType struct{}

func (passwordType) Name() string     { return Password }
func (passwordType) Kind() sqldb.Kind { return sqldb.KindText }
func (passwordType) Writable() bool   { return true }

func (passwordType) Accept(field string, v any) (any, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return HashPassword(s)
	}
	return nil, apperr.Validation(field, "password value must be a string, got %T", v)
}

func (passwordType) Decode(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return sqldb.AsString(raw), nil
}

// HashPassword returns the encoded argon2id hash of plain with a fresh salt.
func HashPassword(plain string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(plain), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	enc := base64.RawStdEncoding
	return hashPrefix + enc.EncodeToString(salt) + "$" + enc.EncodeToString(hash), nil
}

// VerifyPassword reports whether plain matches an encoded hash produced by
// HashPassword.
func VerifyPassword(encoded, plain string) bool {
	rest, ok := strings.CutPrefix(encoded, hashPrefix)
	if !ok {
		return false
	}
	saltPart, hashPart, ok := strings.Cut(rest, "$")
	if !ok {
		return false
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(saltPart)
	if err != nil {
		return false
	}
	want, err := enc.DecodeString(hashPart)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(plain), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
