package lru

// node is an element of the recency list. It carries its key so the oldest
// entry can be dropped from the map in O(1).
type node[K comparable] struct {
	key  K
	prev *node[K]
	next *node[K]
}

// list is a doubly-linked recency list: head is most recent, tail is least.
// Not safe for concurrent use; Cache guards it with its mutex.
type list[K comparable] struct {
	head *node[K]
	tail *node[K]
	len  int
}

func (l *list[K]) pushFront(key K) *node[K] {
	n := &node[K]{key: key}
	if l.head == nil {
		l.head = n
		l.tail = n
	} else {
		n.next = l.head
		l.head.prev = n
		l.head = n
	}
	l.len++
	return n
}

func (l *list[K]) moveToFront(n *node[K]) {
	if n == nil || n == l.head {
		return
	}
	l.unlink(n)
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.len++
}

func (l *list[K]) remove(n *node[K]) {
	if n != nil {
		l.unlink(n)
	}
}

// oldest returns the least recently used key.
func (l *list[K]) oldest() (K, bool) {
	if l.tail == nil {
		var zero K
		return zero, false
	}
	return l.tail.key, true
}

func (l *list[K]) unlink(n *node[K]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	l.len--
}
