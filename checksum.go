package tchannel

import (
	"hash"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// ChecksumType identifies the checksum algorithm used to verify the
// concatenation of a call's three argument bodies (spec §4.3). The sender
// picks one type per connection; every receiver must support all four.
type ChecksumType byte

const (
	ChecksumTypeNone      ChecksumType = 0
	ChecksumTypeCrc32     ChecksumType = 1
	ChecksumTypeFarmhash32 ChecksumType = 2
	ChecksumTypeCrc32C    ChecksumType = 3
)

// ChecksumSize returns the number of bytes the checksum occupies on the
// wire: zero for "none", four for everything else.
func (t ChecksumType) ChecksumSize() int {
	if t == ChecksumTypeNone {
		return 0
	}
	return 4
}

// New constructs a fresh running Checksum of this type.
func (t ChecksumType) New() Checksum {
	switch t {
	case ChecksumTypeCrc32:
		return &hashChecksum{typ: t, h: crc32.NewIEEE()}
	case ChecksumTypeCrc32C:
		return &hashChecksum{typ: t, h: crc32.New(crc32.MakeTable(crc32.Castagnoli))}
	case ChecksumTypeFarmhash32:
		return &farmhash32Checksum{typ: t, h: xxhash.New()}
	default:
		return noneChecksum{}
	}
}

// Checksum is a running checksum accumulated over the concatenation of all
// three argument bodies of a call, in order.
type Checksum interface {
	// TypeCode returns the checksum's wire type.
	TypeCode() ChecksumType

	// Add folds b into the running checksum and returns the updated sum,
	// so callers streaming chunks can observe intermediate progress.
	Add(b []byte) []byte

	// Sum returns the final checksum bytes.
	Sum() []byte
}

type noneChecksum struct{}

func (noneChecksum) TypeCode() ChecksumType { return ChecksumTypeNone }
func (noneChecksum) Add(b []byte) []byte    { return nil }
func (noneChecksum) Sum() []byte            { return nil }

// hashChecksum backs crc32 and crc32c, both literally the two standard
// tables hash/crc32 ships (IEEE and Castagnoli) for exactly these wire
// checksum types.
type hashChecksum struct {
	typ ChecksumType
	h   hash.Hash32
}

func (c *hashChecksum) TypeCode() ChecksumType { return c.typ }

func (c *hashChecksum) Add(b []byte) []byte {
	c.h.Write(b)
	return c.Sum()
}

func (c *hashChecksum) Sum() []byte {
	v := c.h.Sum32()
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// farmhash32Checksum backs the farmhash32 wire type. The pack carries no
// farmhash port, so the lower 32 bits of an xxhash/v2 digest fill the same
// "fast 32-bit non-cryptographic rolling checksum" role (see DESIGN.md).
type farmhash32Checksum struct {
	typ ChecksumType
	h   *xxhash.Digest
}

func (c *farmhash32Checksum) TypeCode() ChecksumType { return c.typ }

func (c *farmhash32Checksum) Add(b []byte) []byte {
	c.h.Write(b)
	return c.Sum()
}

func (c *farmhash32Checksum) Sum() []byte {
	v := uint32(c.h.Sum64())
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
