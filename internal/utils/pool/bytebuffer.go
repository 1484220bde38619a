package pool

import (
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// ByteBufferArena serves blocks from a calibrating bytebufferpool.Pool.
// The pool tracks the size distribution of released buffers and tunes the
// default capacity of new ones.
type ByteBufferArena struct {
	pool bytebufferpool.Pool
	counters
}

func NewByteBufferArena() *ByteBufferArena {
	return &ByteBufferArena{}
}

func (a *ByteBufferArena) Name() string { return "bytebuffer" }

func (a *ByteBufferArena) Stats() Stats { return a.snapshot() }

func (a *ByteBufferArena) Get(size int) Block {
	if size < 0 {
		panic("pool: negative block size")
	}
	bb := a.pool.Get()
	miss := false
	if cap(bb.B) < size {
		bb.B = make([]byte, size)
		miss = true
	} else {
		bb.B = bb.B[:size]
	}
	a.acquired(size, miss)
	return &byteBufferBlock{arena: a, bb: bb, data: bb.B[:size:size]}
}

type byteBufferBlock struct {
	arena    *ByteBufferArena
	bb       *bytebufferpool.ByteBuffer
	data     []byte
	released atomic.Bool
}

func (b *byteBufferBlock) Bytes() []byte { return b.data }
func (b *byteBufferBlock) Cap() int      { return len(b.data) }
func (b *byteBufferBlock) Segments() int { return 1 }

func (b *byteBufferBlock) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return ErrDoubleRelease
	}
	size := len(b.data)
	b.data = nil
	b.arena.pool.Put(b.bb)
	b.bb = nil
	b.arena.released(size)
	return nil
}
