package idempotency

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Hash returns the hex SHA3-256 digest of a request body.
func Hash(body []byte) string {
	sum := sha3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// HashJSON hashes the JSON encoding of v. Callers pass a normalised request so that equivalent bodies
// ("1.0" vs "1") hash the same.
func HashJSON(v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode request for hashing: %w", err)
	}
	return Hash(body), nil
}
