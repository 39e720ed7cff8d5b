package sdns

type lruCache struct {
	maxItems   int
	items      map[string]*lruItem
	head, tail *lruItem
}

type lruItem struct {
	key        string
	record     *cacheRecord
	prev, next *lruItem
}

func newLRUCache(capacity int) *lruCache {
	head := new(lruItem)
	tail := new(lruItem)
	head.next = tail
	tail.prev = head

	return &lruCache{
		maxItems: capacity,
		items:    make(map[string]*lruItem),
		head:     head,
		tail:     tail,
	}
}

func (c *lruCache) add(key string, record *cacheRecord) {
	item := c.touch(key)
	if item != nil {
		// Update the item, it's already at the top of the list
		// so we can just change the value
		item.record = record
		return
	}
	// Add new item to the top of the linked list
	item = &lruItem{
		key:    key,
		record: record,
		next:   c.head.next,
		prev:   c.head,
	}
	c.head.next.prev = item
	c.head.next = item
	c.items[key] = item
	c.resize()
}

// Loads a cache item and puts it to the top of the queue (most recent).
func (c *lruCache) touch(key string) *lruItem {
	item := c.items[key]
	if item == nil {
		return nil
	}
	// move the item to the top of the linked list
	item.prev.next = item.next
	item.next.prev = item.prev
	item.next = c.head.next
	item.prev = c.head
	c.head.next.prev = item
	c.head.next = item
	return item
}

func (c *lruCache) delete(key string) {
	item := c.items[key]
	if item == nil {
		return
	}
	item.prev.next = item.next
	item.next.prev = item.prev
	delete(c.items, key)
}

func (c *lruCache) get(key string) *cacheRecord {
	item := c.touch(key)
	if item != nil {
		return item.record
	}
	return nil
}

// Shrink the cache down to the maximum number of items.
func (c *lruCache) resize() {
	if c.maxItems <= 0 { // no size limit
		return
	}
	drop := len(c.items) - c.maxItems
	for i := 0; i < drop; i++ {
		item := c.tail.prev
		item.prev.next = c.tail
		c.tail.prev = item.prev
		delete(c.items, item.key)
	}
}

// Clear the cache.
func (c *lruCache) reset() {
	head := new(lruItem)
	tail := new(lruItem)
	head.next = tail
	tail.prev = head

	c.head = head
	c.tail = tail
	c.items = make(map[string]*lruItem)
}

// Iterate over the cached records and call the provided function. If it
// returns true, the item is deleted from the cache.
func (c *lruCache) deleteFunc(f func(*cacheRecord) bool) {
	item := c.head.next
	for item != c.tail {
		if f(item.record) {
			item.prev.next = item.next
			item.next.prev = item.prev
			delete(c.items, item.key)
		}
		item = item.next
	}
}

func (c *lruCache) size() int {
	return len(c.items)
}
