package tenant

import (
	"crypto/sha256"
	"encoding/hex"
)

// Script is one unit of tenant-authored code. Immutable between reloads;
// only explicit Reload commands replace it.
type Script struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Source  string `json:"source"`
	Hash    string `json:"hash,omitempty"`
	Enabled bool   `json:"enabled"`
}

// ContentHash returns the script's content hash, computing it from the
// source when the control plane did not supply one. The compiled-code cache
// is keyed on it.
func (s Script) ContentHash() string {
	if s.Hash != "" {
		return s.Hash
	}
	sum := sha256.Sum256([]byte(s.Source))
	return hex.EncodeToString(sum[:])
}
