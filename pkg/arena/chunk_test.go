package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/galloc/galloc/pkg/xunsafe"
)

func TestPadRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		req  int
		want int
	}{
		{0, minChunkSize},
		{1, minChunkSize},
		{minChunkSize - wordSize, minChunkSize},
		{minChunkSize - wordSize + 1, minChunkSize + Align},
		{1024, roundUp(1024+wordSize, Align)},
	}

	for _, c := range cases {
		got, ok := padRequest(c.req)
		assert.True(t, ok)
		assert.Equal(t, c.want, got)
		assert.Equal(t, 0, got%Align)
	}
}

func TestPadRequestRejectsOverflow(t *testing.T) {
	t.Parallel()

	_, ok := padRequest(-1)
	assert.False(t, ok)

	_, ok = padRequest(int(maxRequestSize) + 1)
	assert.False(t, ok)
}

func TestChunkSizeAndFlagsRoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 256)
	c := xunsafe.AddrOf(&buf[0])

	setChunkSize(c, 128)
	setPrevInUse(c)

	assert.Equal(t, 128, chunkSize(c))
	assert.True(t, prevInUse(c))
	assert.False(t, isMapped(c))
	assert.False(t, isNonMainArena(c))

	setMapped(c)
	setNonMainArena(c)
	assert.Equal(t, 128, chunkSize(c), "flags must not corrupt the size field")
	assert.True(t, isMapped(c))
	assert.True(t, isNonMainArena(c))

	clearPrevInUse(c)
	assert.False(t, prevInUse(c))
	assert.True(t, isMapped(c), "clearing one flag must not clear others")
}

func TestNextChunkAndFooter(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 256)
	c := xunsafe.AddrOf(&buf[0])

	setChunkSize(c, 64)
	n := nextChunk(c)
	assert.Equal(t, c.ByteAdd(64), n)

	setChunkSize(n, 96)
	setFooter(c, 64)
	assert.Equal(t, 64, footer(c))
}

func TestMem2ChunkRoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 256)
	c := xunsafe.AddrOf(&buf[0])
	setChunkSize(c, 64)

	p := chunk2mem(c)
	assert.Equal(t, c, mem2chunk(p))
}
