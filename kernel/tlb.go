package kernel

import "container/list"

// DefaultTLBEntries is the translation cache size of NewCachedCore.
const DefaultTLBEntries = 4096

// tlb is a fixed-size LRU map from guest page index to host page address.
// It is not safe for concurrent use.
type tlb struct {
	capacity int
	items    map[uint32]*list.Element
	order    *list.List
}

type tlbEntry struct {
	page uint32
	host uintptr
}

func newTLB(capacity int) *tlb {
	if capacity <= 0 {
		capacity = DefaultTLBEntries
	}
	return &tlb{
		capacity: capacity,
		items:    make(map[uint32]*list.Element, capacity),
		order:    list.New(),
	}
}

func (t *tlb) get(page uint32) (uintptr, bool) {
	e, ok := t.items[page]
	if !ok {
		return 0, false
	}
	t.order.MoveToFront(e)
	return e.Value.(*tlbEntry).host, true
}

// put caches a translation and reports whether another one was evicted.
func (t *tlb) put(page uint32, host uintptr) bool {
	if e, ok := t.items[page]; ok {
		e.Value.(*tlbEntry).host = host
		t.order.MoveToFront(e)
		return false
	}

	t.items[page] = t.order.PushFront(&tlbEntry{page: page, host: host})
	if t.order.Len() <= t.capacity {
		return false
	}

	oldest := t.order.Back()
	t.order.Remove(oldest)
	delete(t.items, oldest.Value.(*tlbEntry).page)
	return true
}

func (t *tlb) flush() {
	clear(t.items)
	t.order.Init()
}

func (t *tlb) len() int { return t.order.Len() }
