package tchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumTypes(t *testing.T) {
	for _, typ := range []ChecksumType{ChecksumTypeNone, ChecksumTypeCrc32, ChecksumTypeCrc32C, ChecksumTypeFarmhash32} {
		c := typ.New()
		assert.Equal(t, typ, c.TypeCode())

		c.Add([]byte("hello"))
		sum := c.Add([]byte(" world"))
		assert.Equal(t, typ.ChecksumSize(), len(sum))
	}
}

func TestChecksumDeterministic(t *testing.T) {
	a := ChecksumTypeCrc32.New()
	a.Add([]byte("abc"))
	b := ChecksumTypeCrc32.New()
	b.Add([]byte("abc"))
	assert.Equal(t, a.Sum(), b.Sum())
}

func TestChecksumDiffersAcrossPayloads(t *testing.T) {
	a := ChecksumTypeCrc32C.New()
	a.Add([]byte("abc"))
	b := ChecksumTypeCrc32C.New()
	b.Add([]byte("abd"))
	assert.NotEqual(t, a.Sum(), b.Sum())
}
