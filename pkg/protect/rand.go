package protect

import (
	"crypto/rand"
	"encoding/binary"
)

// randU32InRange returns a uniform-ish random value in [min, max].
func randU32InRange(min, max uint32) uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return min + binary.LittleEndian.Uint32(b[:])%(max-min+1)
}

// randFill overwrites b with random bytes.
func randFill(b []byte) {
	_, _ = rand.Read(b)
}
