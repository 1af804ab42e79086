package pmm

import "testing"

func TestFreeListPushPopOrder(t *testing.T) {
	var l freeList
	a, b, c := &descriptor{index: 1}, &descriptor{index: 2}, &descriptor{index: 3}

	l.pushBack(a)
	l.pushBack(b)
	l.pushFront(c)

	if l.count != 3 {
		t.Fatalf("expected count 3; got %d", l.count)
	}

	want := []Frame{3, 1, 2}
	for _, w := range want {
		d := l.popFront()
		if d == nil || d.index != w {
			t.Fatalf("expected frame %d; got %v", w, d)
		}
	}
	if l.count != 0 {
		t.Fatalf("expected empty list; got count %d", l.count)
	}
	if l.head != nil || l.tail != nil {
		t.Fatal("expected head and tail to be nil once drained")
	}
}

func TestFreeListRemoveMiddle(t *testing.T) {
	var l freeList
	a, b, c := &descriptor{index: 1}, &descriptor{index: 2}, &descriptor{index: 3}
	l.pushBack(a)
	l.pushBack(b)
	l.pushBack(c)

	l.remove(b)
	if l.count != 2 {
		t.Fatalf("expected count 2; got %d", l.count)
	}
	if a.nextFree != c || c.prevFree != a {
		t.Fatal("expected a and c to be relinked around removed b")
	}
	if b.nextFree != nil || b.prevFree != nil {
		t.Fatal("expected removed node's links to be cleared")
	}
}

func TestFreeListRemoveHeadAndTail(t *testing.T) {
	var l freeList
	a := &descriptor{index: 1}
	l.pushBack(a)
	l.remove(a)

	if l.head != nil || l.tail != nil || l.count != 0 {
		t.Fatal("expected list to be empty after removing its only element")
	}
}
