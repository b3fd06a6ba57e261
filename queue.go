package uthread

// idList is an insertion-ordered set of ids, implemented as an intrusive
// doubly linked list over a fixed id space. Push, remove, membership and pop
// are O(1). It backs both the ready queue (FIFO) and the sleeping set (which
// is aged in the order threads went to sleep).
type idList struct {
	next []ThreadID
	prev []ThreadID
	in   []bool
	head ThreadID
	tail ThreadID
	n    int
}

const nilID ThreadID = -1

func newIDList(capacity int) idList {
	return idList{
		next: make([]ThreadID, capacity),
		prev: make([]ThreadID, capacity),
		in:   make([]bool, capacity),
		head: nilID,
		tail: nilID,
	}
}

func (x *idList) len() int { return x.n }

func (x *idList) contains(id ThreadID) bool { return x.in[id] }

// push appends id to the tail, it must not already be a member.
func (x *idList) push(id ThreadID) {
	if x.in[id] {
		panic(`uthread: duplicate list entry`)
	}
	x.in[id] = true
	x.next[id] = nilID
	x.prev[id] = x.tail
	if x.tail == nilID {
		x.head = id
	} else {
		x.next[x.tail] = id
	}
	x.tail = id
	x.n++
}

// pop removes and returns the head, or nilID if empty.
func (x *idList) pop() ThreadID {
	id := x.head
	if id != nilID {
		x.remove(id)
	}
	return id
}

// remove is a no-op if id is not a member.
func (x *idList) remove(id ThreadID) bool {
	if !x.in[id] {
		return false
	}
	if p := x.prev[id]; p == nilID {
		x.head = x.next[id]
	} else {
		x.next[p] = x.next[id]
	}
	if n := x.next[id]; n == nilID {
		x.tail = x.prev[id]
	} else {
		x.prev[n] = x.prev[id]
	}
	x.in[id] = false
	x.n--
	return true
}

// each calls fn for every member, head to tail. fn may remove the member it
// was called with, but nothing else.
func (x *idList) each(fn func(id ThreadID)) {
	for id := x.head; id != nilID; {
		next := x.next[id]
		fn(id)
		id = next
	}
}

// ids returns the members, head to tail.
func (x *idList) ids() []ThreadID {
	s := make([]ThreadID, 0, x.n)
	x.each(func(id ThreadID) { s = append(s, id) })
	return s
}

// idSet is a bitset over a fixed id space.
type idSet struct {
	words []uint64
	n     int
}

func newIDSet(capacity int) idSet {
	return idSet{words: make([]uint64, (capacity+63)/64)}
}

func (x *idSet) len() int { return x.n }

func (x *idSet) contains(id ThreadID) bool {
	return x.words[id/64]&(1<<(uint(id)%64)) != 0
}

// add returns false if id was already a member.
func (x *idSet) add(id ThreadID) bool {
	if x.contains(id) {
		return false
	}
	x.words[id/64] |= 1 << (uint(id) % 64)
	x.n++
	return true
}

// remove returns false if id was not a member.
func (x *idSet) remove(id ThreadID) bool {
	if !x.contains(id) {
		return false
	}
	x.words[id/64] &^= 1 << (uint(id) % 64)
	x.n--
	return true
}

// ids returns the members in ascending order.
func (x *idSet) ids() []ThreadID {
	s := make([]ThreadID, 0, x.n)
	for i, w := range x.words {
		for b := 0; w != 0; b++ {
			if w&1 != 0 {
				s = append(s, ThreadID(i*64+b))
			}
			w >>= 1
		}
	}
	return s
}
