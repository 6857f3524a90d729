package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KeyLength is the number of hex characters kept from the digest.
const KeyLength = 32

type keyMaterial struct {
	Model     string `json:"model"`
	Input     any    `json:"input"`
	Namespace string `json:"namespace"`
}

// GenerateKey derives a deterministic key from (model, input, namespace).
// Map inputs are canonicalized by encoding/json's sorted key order, so field order never matters.
func GenerateKey(model string, input any, namespace string) string {
	data, err := json.Marshal(keyMaterial{Model: model, Input: input, Namespace: namespace})
	if err != nil {
		// Unencodable inputs still need a stable key.
		data = []byte(fmt.Sprintf("%s\x00%#v\x00%s", model, input, namespace))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:KeyLength]
}
