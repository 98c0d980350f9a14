package vm

import (
	"sync/atomic"

	"github.com/google/btree"

	"cascadeos/ksync"
	"cascadeos/pfa"
)

// ObjectSource produces the physical frame backing one page of an Object,
// reading it from whatever the Object represents (a file, a device's
// memory, ...). Implementations outside this package (a filesystem, a
// device driver) are expected; none ship here.
type ObjectSource interface {
	ReadPage(offset uint64) (*pfa.Frame, error)
}

// objChunk is one resolved {offset -> frame} entry of an Object's ordered
// chunk map.
type objChunk struct {
	offset uint64
	frame  *pfa.Frame
}

func lessChunk(a, b *objChunk) bool { return a.offset < b.offset }

// Object is reference-counted, file- or device-backed memory. Pages are
// resolved lazily through its ObjectSource and cached in an offset-ordered
// chunk map.
type Object struct {
	mu       ksync.Mutex
	refcount atomic.Int32
	chunks   *btree.BTreeG[*objChunk]
	source   ObjectSource
}

// NewObject returns an Object backed by source, with refcount 1.
func NewObject(source ObjectSource) *Object {
	o := &Object{
		chunks: btree.NewG[*objChunk](32, lessChunk),
		source: source,
	}
	o.refcount.Store(1)
	return o
}

// Ref increments o's refcount, for an Entry coming to reference o.
func (o *Object) Ref() { o.refcount.Add(1) }

// Unref decrements o's refcount and returns the new value.
func (o *Object) Unref() int32 { return o.refcount.Add(-1) }

// Refcount reports o's current reference count.
func (o *Object) Refcount() int32 { return o.refcount.Load() }

// Page returns the physical frame backing offset, resolving it through the
// Object's source and caching the result on first access.
func (o *Object) Page(offset uint64) (*pfa.Frame, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.chunks.Get(&objChunk{offset: offset}); ok {
		return c.frame, nil
	}
	f, err := o.source.ReadPage(offset)
	if err != nil {
		return nil, err
	}
	o.chunks.ReplaceOrInsert(&objChunk{offset: offset, frame: f})
	return f, nil
}

// destroy releases every cached page back to alloc. Called once o's
// refcount has reached zero.
func (o *Object) destroy(alloc *pfa.Allocator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks.Ascend(func(c *objChunk) bool {
		alloc.Deallocate(c.frame)
		return true
	})
	o.chunks.Clear(false)
}
