package hashtable

import "hash/fnv"
import "sync"

type elem_t struct {
	key     string
	value   interface{}
	keyHash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.Mutex
	first *elem_t
}

// / Hashtable_t is a bucketed hash table mapping string keys to values.
// / It is protected internally by bucket locks.
type Hashtable_t struct {
	table    []*bucket_t
	capacity int
}

// / MkHash allocates a new Hashtable_t with the given bucket count.
func MkHash(size int) *Hashtable_t {
	ht := &Hashtable_t{}
	ht.capacity = size
	ht.table = make([]*bucket_t, size)
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

func hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func (ht *Hashtable_t) bucket(kh uint32) *bucket_t {
	return ht.table[int(kh)%ht.capacity]
}

// / Get returns the value stored under key.
func (ht *Hashtable_t) Get(key string) (interface{}, bool) {
	kh := hash(key)
	b := ht.bucket(kh)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// / Set stores value under key, replacing any previous entry.
func (ht *Hashtable_t) Set(key string, value interface{}) {
	kh := hash(key)
	b := ht.bucket(kh)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			e.value = value
			return
		}
	}
	b.first = &elem_t{key: key, value: value, keyHash: kh, next: b.first}
}

// / Del removes the entry stored under key, if any.
func (ht *Hashtable_t) Del(key string) {
	kh := hash(key)
	b := ht.bucket(kh)
	b.Lock()
	defer b.Unlock()
	var prev *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}

// / Clear drops every entry.
func (ht *Hashtable_t) Clear() {
	for _, b := range ht.table {
		b.Lock()
		b.first = nil
		b.Unlock()
	}
}

// / Len walks the table and returns the number of stored entries.
func (ht *Hashtable_t) Len() int {
	n := 0
	for _, b := range ht.table {
		b.Lock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.Unlock()
	}
	return n
}
