package domain

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// ErrUnhashableArgs is returned when arguments cannot be canonically encoded.
var ErrUnhashableArgs = errors.New("arguments cannot be encoded")

// =============================================================================
// Argument Hashing
// =============================================================================

// HashArgs computes the Keccak-256 digest of the canonical JSON encoding of
// args and returns it 0x-prefixed.
//
// encoding/json sorts map keys and prints integral floats without a fraction,
// so 1000 and 1000.0 hash identically regardless of the plan format that
// produced them. A nil list and an empty list are the same intent.
//
// Example:
//
//	h, _ := HashArgs([]any{"X", "Y", 1000})
//	// h == "0x…" (66 chars)
func HashArgs(args []any) (string, error) {
	if args == nil {
		args = []any{}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnhashableArgs, err)
	}

	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}
