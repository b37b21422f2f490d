package adms

import (
	"sort"
	"sync"
)

// replyTracker collects the per-line results of commands dispatched as
// several lines. A terminal may post them in separate devicecmd requests.
type replyTracker struct {
	mu      sync.Mutex
	pending map[int64]*partialReply
}

type partialReply struct {
	want  int
	parts map[int]reply
}

// expect starts tracking command id, sent as want lines. A redispatch of
// the same command discards results from the earlier attempt.
func (t *replyTracker) expect(id int64, want int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = make(map[int64]*partialReply)
	}
	t.pending[id] = &partialReply{want: want, parts: make(map[int]reply, want)}
}

// collect records r. Once every line of the command has reported it
// returns them in line order and stops tracking the command. known is
// false for a command this process never dispatched as several lines.
func (t *replyTracker) collect(r reply) (complete []reply, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[r.id]
	if !ok || r.part > p.want {
		return nil, false
	}
	p.parts[r.part] = r
	if len(p.parts) < p.want {
		return nil, true
	}
	delete(t.pending, r.id)

	out := make([]reply, 0, len(p.parts))
	for _, part := range p.parts {
		out = append(out, part)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].part < out[j].part })
	return out, true
}

// forget stops tracking id.
func (t *replyTracker) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}
