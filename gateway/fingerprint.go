// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// fingerprintContext separates fingerprint keys from any other use of
// the configured secret.
const fingerprintContext = "memgate 2026 session fingerprint"

// Fingerprinter derives session keys from request attributes. The
// hash is keyed: session keys cannot be computed from request data
// alone.
type Fingerprinter struct {
	key [32]byte
}

// NewFingerprinter returns a Fingerprinter keyed from secret, or from
// random bytes when secret is empty. With a random key, fingerprints
// change on every restart.
func NewFingerprinter(secret string) (*Fingerprinter, error) {
	fingerprinter := &Fingerprinter{}
	if secret == "" {
		if _, err := rand.Read(fingerprinter.key[:]); err != nil {
			return nil, fmt.Errorf("generating fingerprint key: %w", err)
		}
		return fingerprinter, nil
	}
	blake3.DeriveKey(fingerprintContext, []byte(secret), fingerprinter.key[:])
	return fingerprinter, nil
}

// Fingerprint returns "session_" followed by 24 hex digits of the
// keyed hash of origin and header. Equal inputs always give equal
// keys.
func (fingerprinter *Fingerprinter) Fingerprint(origin, header string) string {
	hasher, err := blake3.NewKeyed(fingerprinter.key[:])
	if err != nil {
		panic("gateway: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(origin + "\x00" + header))
	return "session_" + hex.EncodeToString(hasher.Sum(nil)[:12])
}
