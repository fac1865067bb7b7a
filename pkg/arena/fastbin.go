//go:build go1.22

package arena

// Fast-tier stacks are lock-free: push and pop race freely with holders of
// the arena mutex, subject only to CAS retry. Chunks on a
// fast-tier stack keep their P bit set (they remain "in-use" from every
// other tier's point of view) and are singly linked through their fd word.

// fastPush pushes c onto fast-tier stack idx. It detects a double-free by
// checking whether c is already the stack's current head before linking it
// in, to catch an immediate double-free.
func fastPush(b *binIndex, idx int, c chunkPtr) {
	head := &b.fast[idx]

	for {
		old := head.Load()
		if chunkPtr(old) == c {
			panicCorruption("double free or corruption (fastbin double push)", c)
		}

		setFd(c, chunkPtr(old))

		if head.CompareAndSwap(old, uintptr(c)) {
			b.haveFastChunks.Store(true)
			return
		}
	}
}

// fastPop pops the head of fast-tier stack idx, or returns the zero
// chunkPtr if the stack is empty.
func fastPop(b *binIndex, idx int) chunkPtr {
	head := &b.fast[idx]

	for {
		old := head.Load()
		if old == 0 {
			return 0
		}

		c := chunkPtr(old)
		next := uintptr(fd(c))

		if head.CompareAndSwap(old, next) {
			return c
		}
	}
}

// fastDrain atomically detaches the entire stack for idx, returning its
// former head (the chunks remain linked through fd in LIFO order). Used by
// bulk fast-tier consolidation.
func fastDrain(b *binIndex, idx int) chunkPtr {
	return chunkPtr(b.fast[idx].Swap(0))
}
