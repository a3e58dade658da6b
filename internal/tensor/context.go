package tensor

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

const defaultAlign = 32

// ErrArenaExhausted is the typed capacity failure returned (or carried by a
// constructor panic, see Recover) when an arena cannot satisfy a request.
type ErrArenaExhausted struct {
	Arena     string
	Need      int
	Remaining int
}

func (e ErrArenaExhausted) Error() string {
	return fmt.Sprintf("arena %q exhausted: need %d bytes, %d remaining", e.Arena, e.Need, e.Remaining)
}

// Buffer is a caller-owned byte region a Context can temporarily carve
// scratch allocations from. See Context.UseScratch.
type Buffer struct {
	data []byte
	used int
}

// NewBuffer allocates a scratch buffer of the given size.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Reset discards all scratch allocations, making the full buffer reusable.
func (b *Buffer) Reset() { b.used = 0 }

// Context is a bump-pointer arena all tensors are carved from. Allocation is
// monotonic: individual tensors are never freed, the whole arena is released
// at once. A Context is not safe for concurrent allocation.
type Context struct {
	name    string
	buf     []byte
	used    int
	scratch *Buffer
}

// NewContext creates an arena backed by a fresh heap buffer.
func NewContext(name string, size int) *Context {
	c := &Context{name: name, buf: make([]byte, size)}
	metrics.RecordArena(name, 0, int64(size))
	return c
}

// FromBytes creates an arena over an existing (typically memory-mapped)
// buffer. The full region is treated as already allocated: tensors are built
// over it with ViewBytes, not Alloc.
func FromBytes(name string, data []byte) *Context {
	c := &Context{name: name, buf: data, used: len(data)}
	metrics.RecordArena(name, int64(len(data)), int64(len(data)))
	return c
}

// Name returns the arena's diagnostic name.
func (c *Context) Name() string { return c.name }

// Used returns the number of bytes carved from the primary buffer.
func (c *Context) Used() int { return c.used }

// Capacity returns the primary buffer's total size.
func (c *Context) Capacity() int { return len(c.buf) }

// UseScratch redirects subsequent allocations to buf and returns the
// previously active scratch buffer (nil when allocations were hitting the
// primary arena). Callers must restore the previous target on every exit
// path:
//
//	prev := ctx.UseScratch(scratch)
//	defer ctx.UseScratch(prev)
func (c *Context) UseScratch(buf *Buffer) (prev *Buffer) {
	prev = c.scratch
	c.scratch = buf
	return prev
}

// Alloc carves size bytes, aligned to align (defaultAlign when zero), from
// the active target. It reports ErrArenaExhausted without touching any state
// when the remaining capacity is insufficient.
func (c *Context) Alloc(size, align int) ([]byte, error) {
	if align <= 0 {
		align = defaultAlign
	}
	if c.scratch != nil {
		return c.scratch.alloc(c.name, size, align)
	}

	offset := alignUp(c.used, align)
	if offset+size > len(c.buf) {
		metrics.ArenaExhaustions.Inc()
		return nil, ErrArenaExhausted{Arena: c.name, Need: size, Remaining: len(c.buf) - c.used}
	}
	c.used = offset + size
	metrics.RecordArena(c.name, int64(c.used), int64(len(c.buf)))
	return c.buf[offset : offset+size : offset+size], nil
}

// mustAlloc is the constructor-path allocator: graph-building code treats
// capacity failure as a panic carrying the typed error, which Recover turns
// back into a value at the session boundary.
func (c *Context) mustAlloc(size, align int) []byte {
	data, err := c.Alloc(size, align)
	if err != nil {
		logger.Log.Error("tensor allocation failed", "arena", c.name, "bytes", size)
		panic(err)
	}
	return data
}

func (b *Buffer) alloc(arena string, size, align int) ([]byte, error) {
	offset := alignUp(b.used, align)
	if offset+size > len(b.data) {
		metrics.ArenaExhaustions.Inc()
		return nil, ErrArenaExhausted{
			Arena:     arena + "(scratch)",
			Need:      size,
			Remaining: len(b.data) - b.used,
		}
	}
	b.used = offset + size
	return b.data[offset : offset+size : offset+size], nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Recover converts an ErrArenaExhausted panic raised by tensor constructors
// back into an error value. Use in a deferred call at an API boundary:
//
//	defer tensor.Recover(&err)
//
// Any other panic is re-raised: shape and type violations stay fatal.
func Recover(errp *error) {
	switch r := recover().(type) {
	case nil:
	case ErrArenaExhausted:
		*errp = r
	default:
		panic(r)
	}
}
