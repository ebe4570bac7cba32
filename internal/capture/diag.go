package capture

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

const maxDistinctErrors = 64

// diagnostics remembers steady-state capture errors. Distinct messages are
// bounded; the least recently seen is forgotten first.
type diagnostics struct {
	mu     sync.Mutex
	recent *lru.Cache
	counts map[string]int
	last   error
	total  uint64
}

func newDiagnostics() *diagnostics {
	d := &diagnostics{
		recent: lru.New(maxDistinctErrors),
		counts: make(map[string]int),
	}
	d.recent.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(d.counts, key.(string))
	}
	return d
}

func (d *diagnostics) record(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg := err.Error()
	d.recent.Add(msg, nil)
	d.counts[msg]++
	d.last = err
	d.total++
}

func (d *diagnostics) snapshot() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := make(map[string]int, len(d.counts))
	for k, v := range d.counts {
		m[k] = v
	}
	return m
}

func (d *diagnostics) lastError() (error, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.total
}

func (d *diagnostics) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent.Clear()
	d.counts = make(map[string]int)
	d.last = nil
	d.total = 0
}
