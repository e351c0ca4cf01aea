package canonical

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Domain strings for hashed identities. The version suffix allows a
// future algorithm change without colliding with stored digests.
const (
	DomainReplica = "chrysalis/replica/v1"
	DomainEvent   = "chrysalis/event/v1"
)

// Hash returns the hex BLAKE3 digest of data keyed by domain.
// Domain separation uses BLAKE3's derive-key mode, so identical bytes
// hashed under different domains never collide.
func Hash(domain string, data []byte) string {
	h := blake3.NewDeriveKey(domain)
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue canonicalizes v and hashes it under domain.
func HashValue(domain string, v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return Hash(domain, b), nil
}
