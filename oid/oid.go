// Package oid defines the durable pointer type used throughout pmgc.
//
// An ObjectId is a 128-bit, pool-qualified handle to a persistent memory
// allocation. It is the only pointer form that is ever written into
// persistent memory; volatile pointers are reconstructed from it on demand
// via a pmpool.Pool.
package oid

import "encoding/binary"

// Size is the on-disk size of an ObjectId in bytes.
const Size = 16

// ObjectId identifies a persistent memory allocation within a pool.
// Offset == 0 denotes the null id, regardless of PoolUUIDLo.
type ObjectId struct {
	PoolUUIDLo uint64
	Offset     uint64
}

// Null is the zero-value ObjectId.
var Null = ObjectId{}

// IsNull reports whether id is the null object id.
func (id ObjectId) IsNull() bool {
	return id.Offset == 0
}

// Equal reports byte-exact equality, matching the aliasing check used by
// recovery (spec §3, "No aliasing of scratch").
func (id ObjectId) Equal(other ObjectId) bool {
	return id.PoolUUIDLo == other.PoolUUIDLo && id.Offset == other.Offset
}

// PutBytes encodes id into buf using natural little-endian layout:
// PoolUUIDLo then Offset, each as a uint64 (spec §6, "Bit-exact fields in PM").
func (id ObjectId) PutBytes(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], id.PoolUUIDLo)
	binary.LittleEndian.PutUint64(buf[8:16], id.Offset)
}

// FromBytes decodes an ObjectId from its natural little-endian layout.
func FromBytes(buf []byte) ObjectId {
	return ObjectId{
		PoolUUIDLo: binary.LittleEndian.Uint64(buf[0:8]),
		Offset:     binary.LittleEndian.Uint64(buf[8:16]),
	}
}
