package fletcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum_SumMakesBlockValid(t *testing.T) {
	blocks := [][]byte{
		{0xE0, 0x30, 0x03, 0x01, 0x02, 0x03},
		{0xFF, 0xFF, 0xFF},
		{},
	}
	for _, b := range blocks {
		f := New()
		f.Update(b)
		f.Update([]byte{0xE0, 0x00, 0x02})
		sum := f.Sum()
		f.Update(sum[:])
		assert.True(t, f.IsValid(), "block %X", b)
	}
}

func TestChecksum_DetectsCorruption(t *testing.T) {
	f := New()
	f.Update([]byte{1, 2, 3})
	sum := f.Sum()

	g := New()
	g.Update([]byte{1, 2, 4})
	g.Update(sum[:])
	assert.False(t, g.IsValid())

	g.Reset()
	assert.True(t, g.IsValid())
}
