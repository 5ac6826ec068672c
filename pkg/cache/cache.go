// Package cache holds the in-process replica of the item collection. Each
// process owns exactly one cache; it is never shared across processes except
// through the sync protocol.
package cache

import (
	"sync"

	"github.com/astromechza/todosync/pkg/protocol"
)

// Snapshot is the full item collection keyed by id, handed to subscribers
// after every committed apply.
type Snapshot map[string]protocol.Item

// Mutation is one of Insert, UpdateFields, Remove or ReplaceAll.
type Mutation interface {
	isMutation()
}

type Insert struct {
	Item protocol.Item
}

type UpdateFields struct {
	IDs     []protocol.ItemID
	Changes protocol.Changes
}

type Remove struct {
	IDs []protocol.ItemID
}

type ReplaceAll struct {
	Items []protocol.Item
}

func (Insert) isMutation()       {}
func (UpdateFields) isMutation() {}
func (Remove) isMutation()       {}
func (ReplaceAll) isMutation()   {}

// Count summarises the collection for the renderer's counters.
type Count struct {
	Total     int
	Done      int
	Remaining int
}

// Cache is an ordered id-to-item replica. Reads return items in insertion
// order. Every committed Apply notifies subscribers with the post-mutation
// snapshot; subscribers never observe a partially applied mutation.
type Cache struct {
	mu      sync.Mutex
	order   []string
	items   map[string]protocol.Item
	subs    map[int]func(Snapshot)
	nextSub int
}

func New() *Cache {
	return &Cache{
		items: make(map[string]protocol.Item),
		subs:  make(map[int]func(Snapshot)),
	}
}

// GetAll returns all items in insertion order.
func (c *Cache) GetAll() []protocol.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Item, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.items[key])
	}
	return out
}

func (c *Cache) GetByID(id protocol.ItemID) (protocol.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id.String()]
	return item, ok
}

func (c *Cache) Count() Count {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := Count{Total: len(c.order)}
	for _, item := range c.items {
		if item.Done {
			count.Done++
		}
	}
	count.Remaining = count.Total - count.Done
	return count
}

// Subscribe registers a callback fired with the full snapshot after every
// committed apply. It does not fire for the current state; first renders pull
// via GetAll. The returned function unsubscribes.
func (c *Cache) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.nextSub
	c.nextSub++
	c.subs[key] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, key)
	}
}

// Apply commits one mutation and notifies subscribers.
func (c *Cache) Apply(m Mutation) {
	c.mu.Lock()
	switch mut := m.(type) {
	case Insert:
		c.insert(mut.Item)
	case UpdateFields:
		for _, id := range mut.IDs {
			item, ok := c.items[id.String()]
			if !ok {
				continue
			}
			if mut.Changes.Label != nil {
				item.Label = *mut.Changes.Label
			}
			if mut.Changes.Done != nil {
				item.Done = *mut.Changes.Done
			}
			c.items[id.String()] = item
		}
	case Remove:
		for _, id := range mut.IDs {
			key := id.String()
			if _, ok := c.items[key]; !ok {
				continue
			}
			delete(c.items, key)
			for i, existing := range c.order {
				if existing == key {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
		}
	case ReplaceAll:
		c.order = c.order[:0]
		clear(c.items)
		for _, item := range mut.Items {
			c.insert(item)
		}
	}

	snapshot := make(Snapshot, len(c.items))
	for key, item := range c.items {
		snapshot[key] = item
	}
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// insert appends a new item, or overwrites in place when the id is already
// present, preserving its original position.
func (c *Cache) insert(item protocol.Item) {
	key := item.ID.String()
	if _, ok := c.items[key]; !ok {
		c.order = append(c.order, key)
	}
	c.items[key] = item
}
