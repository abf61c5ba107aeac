package logstore

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// location is where one op-index physically lives.
type location struct {
	segmentSeq int64
	offset     int64
}

// logIndex is a front cache over op-index -> location, so LookupOpId does not
// have to walk segment metadata for hot indices. A miss
// always falls back to scanning the resident segment list; the cache is an
// optimization, never a source of truth.
type logIndex struct {
	cache *lru.Cache[int64, location]
}

func newLogIndex(size int) *logIndex {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[int64, location](size)
	if err != nil {
		// only returns an error for size <= 0, guarded above.
		panic(err)
	}
	return &logIndex{cache: c}
}

func (li *logIndex) record(index int64, loc location) {
	li.cache.Add(index, loc)
}

func (li *logIndex) lookup(index int64) (location, bool) {
	return li.cache.Get(index)
}

func (li *logIndex) forget(index int64) {
	li.cache.Remove(index)
}

func (li *logIndex) forgetFrom(index int64) {
	for _, k := range li.cache.Keys() {
		if k >= index {
			li.cache.Remove(k)
		}
	}
}

func (li *logIndex) purge() {
	li.cache.Purge()
}
