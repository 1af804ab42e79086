package pmm

// freeList is a small intrusive doubly-linked list over frame descriptors,
// using each descriptor's own nextFree/prevFree fields as link storage
// rather than externally allocated node wrappers.
type freeList struct {
	head, tail *descriptor
	count      uint32
}

func (l *freeList) pushBack(d *descriptor) {
	d.nextFree, d.prevFree = nil, l.tail
	if l.tail != nil {
		l.tail.nextFree = d
	} else {
		l.head = d
	}
	l.tail = d
	l.count++
}

func (l *freeList) pushFront(d *descriptor) {
	d.prevFree, d.nextFree = nil, l.head
	if l.head != nil {
		l.head.prevFree = d
	} else {
		l.tail = d
	}
	l.head = d
	l.count++
}

func (l *freeList) popFront() *descriptor {
	d := l.head
	if d == nil {
		return nil
	}
	l.remove(d)
	return d
}

func (l *freeList) remove(d *descriptor) {
	if d.prevFree != nil {
		d.prevFree.nextFree = d.nextFree
	} else {
		l.head = d.nextFree
	}
	if d.nextFree != nil {
		d.nextFree.prevFree = d.prevFree
	} else {
		l.tail = d.prevFree
	}
	d.nextFree, d.prevFree = nil, nil
	l.count--
}
