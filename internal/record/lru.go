package record

import (
	"container/list"
	"sync"
)

// keyed describes things with an ID, the way Coordinate objects in
// the teacher's cache package describe things with a Name.
type keyed interface {
	Key() string
}

// lru is a least-recently-used cache with a fixed capacity, safe for
// concurrent use.
type lru struct {
	size      int
	lock      sync.RWMutex
	evictList *list.List
	index     map[string]*list.Element
}

func newLRU(size int) *lru {
	return &lru{
		size:      size,
		evictList: list.New(),
		index:     make(map[string]*list.Element),
	}
}

// Peek looks for an item in the cache without affecting its recency.
func (l *lru) Peek(key string) (keyed, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	if element, present := l.index[key]; present {
		return element.Value.(keyed), true
	}
	return nil, false
}

// Put adds an item to the cache, possibly evicting the least recently
// used entry.
func (l *lru) Put(item keyed) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if element, present := l.index[item.Key()]; present {
		element.Value = item
		l.evictList.MoveToBack(element)
		return
	}
	l.add(item)
}

// Remove takes an item out of the cache. It does nothing if the key
// is not present.
func (l *lru) Remove(key string) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if element, present := l.index[key]; present {
		delete(l.index, key)
		l.evictList.Remove(element)
	}
}

func (l *lru) add(item keyed) {
	element := l.evictList.PushBack(item)
	l.index[item.Key()] = element

	for len(l.index) > l.size {
		head := l.evictList.Front()
		oldest := head.Value.(keyed)
		delete(l.index, oldest.Key())
		l.evictList.Remove(head)
	}
}
