package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/galloc/galloc/pkg/xunsafe"
)

func TestBitmapScanFrom(t *testing.T) {
	t.Parallel()

	var b bitmap
	b.mark(3)
	b.mark(40)
	b.mark(100)

	assert.Equal(t, 3, b.scanFrom(0))
	assert.Equal(t, 40, b.scanFrom(4))
	assert.Equal(t, 100, b.scanFrom(41))
	assert.Equal(t, -1, b.scanFrom(101))

	b.clear(40)
	assert.Equal(t, 100, b.scanFrom(4))
}

func TestFastPushPopLIFO(t *testing.T) {
	t.Parallel()

	var bi binIndex
	bi.init()

	chunks := newChunkArena(t, 4, 64)

	fastPush(&bi, 0, chunks[0])
	fastPush(&bi, 0, chunks[1])
	fastPush(&bi, 0, chunks[2])

	assert.True(t, bi.haveFastChunks.Load())

	assert.Equal(t, chunks[2], fastPop(&bi, 0))
	assert.Equal(t, chunks[1], fastPop(&bi, 0))
	assert.Equal(t, chunks[0], fastPop(&bi, 0))
	assert.Equal(t, chunkPtr(0), fastPop(&bi, 0))
}

func TestFastPushDetectsDoubleFree(t *testing.T) {
	t.Parallel()

	var bi binIndex
	bi.init()

	chunks := newChunkArena(t, 1, 64)

	fastPush(&bi, 0, chunks[0])

	assert.Panics(t, func() {
		fastPush(&bi, 0, chunks[0])
	})
}

func TestFastDrainReturnsWholeStack(t *testing.T) {
	t.Parallel()

	var bi binIndex
	bi.init()

	chunks := newChunkArena(t, 3, 64)
	for _, c := range chunks {
		fastPush(&bi, 0, c)
	}

	head := fastDrain(&bi, 0)
	assert.Equal(t, chunks[2], head)
	assert.Equal(t, chunkPtr(0), fastDrain(&bi, 0))
	assert.True(t, bi.haveFastChunks.Load(), "drain does not clear the hint flag itself")
}

func TestLargeBinInsertKeepsDescendingOrderAndSkipList(t *testing.T) {
	t.Parallel()

	var bi binIndex
	bi.init()

	sentinel := bi.large[0].ptr()

	chunks := newChunkArena(t, 3, 4096)
	setChunkSize(chunks[0], 2048)
	setChunkSize(chunks[1], 1536)
	setChunkSize(chunks[2], 1536)

	largeBinInsert(sentinel, chunks[0])
	largeBinInsert(sentinel, chunks[1])
	largeBinInsert(sentinel, chunks[2])

	// Main list, head to tail, must be size-descending: 2048, then the two
	// 1536s in insertion order.
	assert.Equal(t, chunks[0], fd(sentinel))
	assert.Equal(t, chunks[1], fd(chunks[0]))
	assert.Equal(t, chunks[2], fd(chunks[1]))
	assert.Equal(t, sentinel, fd(chunks[2]))

	// The skip list threads exactly the two distinct sizes.
	assert.Equal(t, chunks[0], fdNextsize(sentinel))
	assert.Equal(t, sentinel, fdNextsize(chunks[1]))
}

func TestUnlinkDetectsCorruptFooter(t *testing.T) {
	t.Parallel()

	chunks := newChunkArena(t, 2, 128)
	setChunkSize(chunks[0], 64)
	setFd(chunks[0], chunks[0])
	setBk(chunks[0], chunks[0])

	// Corrupt the footer the next physical chunk should carry.
	setPrevSizeField(nextChunk(chunks[0]), 999)

	assert.Panics(t, func() {
		unlink(chunks[0], false)
	})
}

func TestUnlinkDetectsBrokenListLinks(t *testing.T) {
	t.Parallel()

	chunks := newChunkArena(t, 2, 128)
	setChunkSize(chunks[0], 64)
	setFooter(chunks[0], 64)
	setFd(chunks[0], chunks[0])
	setBk(chunks[0], chunks[1]) // inconsistent: fd(bk) != c

	assert.Panics(t, func() {
		unlink(chunks[0], false)
	})
}

// newChunkArena carves n equal-size, physically contiguous chunk-sized
// slots out of one backing buffer, each initialized with size and P set, so
// that nextChunk/footer arithmetic between them is valid.
func newChunkArena(t *testing.T, n, size int) []chunkPtr {
	t.Helper()

	buf := make([]byte, n*size+wordSize)
	base := xunsafe.AddrOf(&buf[0])

	out := make([]chunkPtr, n)
	for i := 0; i < n; i++ {
		c := base.ByteAdd(i * size)
		setChunkSize(c, size)
		setPrevInUse(c)
		out[i] = c
	}
	return out
}
