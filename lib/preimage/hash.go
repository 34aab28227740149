// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package preimage

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// pathDomainKey separates preimage path hashes from any other BLAKE3
// use. ASCII "rewind.preimage.path", zero padded.
var pathDomainKey = [32]byte{
	'r', 'e', 'w', 'i', 'n', 'd', '.', 'p', 'r', 'e', 'i', 'm', 'a', 'g', 'e', '.',
	'p', 'a', 't', 'h', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// PathHash names the blob and sidecar for a normalized path.
func PathHash(rel string) string {
	hasher, err := blake3.NewKeyed(pathDomainKey[:])
	if err != nil {
		panic("preimage: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(rel))
	return hex.EncodeToString(hasher.Sum(nil))
}
