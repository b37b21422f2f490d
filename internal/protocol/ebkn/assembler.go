package ebkn

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/biogate/internal/protocol"
)

// DefaultBlockTTL bounds how long a partial multi-block body is kept.
const DefaultBlockTTL = 2 * time.Minute

// Assembler joins multi-block bodies. Buffers are keyed per device and
// request code and expire after the TTL.
type Assembler struct {
	mu      sync.Mutex
	ttl     time.Duration
	buffers map[string]*blockBuffer
	now     func() time.Time
}

type blockBuffer struct {
	data    []byte
	last    int
	updated time.Time
}

// NewAssembler creates an assembler. A zero ttl uses DefaultBlockTTL.
func NewAssembler(ttl time.Duration) *Assembler {
	if ttl <= 0 {
		ttl = DefaultBlockTTL
	}
	return &Assembler{ttl: ttl, buffers: make(map[string]*blockBuffer), now: time.Now}
}

// Add accepts block blk of a body. It returns the complete body once the
// final block (0) arrives; a lone block 0 is returned as is.
func (a *Assembler) Add(key string, blk int, data []byte) (body []byte, complete bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.expireLocked(now)

	switch {
	case blk == 1:
		a.buffers[key] = &blockBuffer{data: append([]byte(nil), data...), last: 1, updated: now}
		return nil, false, nil

	case blk > 1:
		b, ok := a.buffers[key]
		if !ok || blk != b.last+1 {
			delete(a.buffers, key)
			last := 0
			if ok {
				last = b.last
			}
			return nil, false, fmt.Errorf("%w: block %d after %d", protocol.ErrMalformedMessage, blk, last)
		}
		b.data = append(b.data, data...)
		b.last = blk
		b.updated = now
		return nil, false, nil

	case blk == 0:
		b, ok := a.buffers[key]
		if !ok {
			return data, true, nil
		}
		delete(a.buffers, key)
		return append(b.data, data...), true, nil

	default:
		return nil, false, fmt.Errorf("%w: negative block number", protocol.ErrMalformedMessage)
	}
}

// Pending returns the number of open buffers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(a.now())
	return len(a.buffers)
}

func (a *Assembler) expireLocked(now time.Time) {
	for k, b := range a.buffers {
		if now.Sub(b.updated) > a.ttl {
			delete(a.buffers, k)
		}
	}
}
