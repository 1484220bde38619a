package alloc

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const recordShards = 64

type recordShard struct {
	mu      sync.Mutex
	records map[uint64]*record
}

// recordSet holds the records of every block not yet reclaimed.
// Shard selection uses xxhash over the record id with a power-of-two mask.
type recordSet struct {
	shards [recordShards]recordShard
	mask   uint64
}

func newRecordSet() *recordSet {
	s := &recordSet{mask: recordShards - 1}
	for i := range s.shards {
		s.shards[i].records = make(map[uint64]*record)
	}
	return s
}

func (s *recordSet) shard(id uint64) *recordShard {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], id)
	return &s.shards[xxhash.Sum64(key[:])&s.mask]
}

func (s *recordSet) add(r *record) {
	sh := s.shard(r.id)
	sh.mu.Lock()
	sh.records[r.id] = r
	sh.mu.Unlock()
}

func (s *recordSet) remove(r *record) {
	sh := s.shard(r.id)
	sh.mu.Lock()
	delete(sh.records, r.id)
	sh.mu.Unlock()
}

func (s *recordSet) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// each calls fn for every record while holding its shard lock.
func (s *recordSet) each(fn func(r *record)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, r := range sh.records {
			fn(r)
		}
		sh.mu.Unlock()
	}
}
