package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

const (
	// ticketTTL is how long a WebSocket ticket stays redeemable.
	ticketTTL = 60 * time.Second

	ticketCleanInterval = 30 * time.Second
)

type ticketEntry struct {
	subject   string
	expiresAt time.Time
}

// ticketStore holds single-use WebSocket tickets. Browsers cannot set an
// Authorization header on the upgrade request, so clients trade their
// bearer token for a short-lived ticket and pass it as ?ticket=.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
	now     func() time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{
		tickets: make(map[string]ticketEntry),
		now:     time.Now,
	}
}

func (t *ticketStore) issue(subject string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	ticket := hex.EncodeToString(b)

	t.mu.Lock()
	t.tickets[ticket] = ticketEntry{subject: subject, expiresAt: t.now().Add(ticketTTL)}
	t.mu.Unlock()
	return ticket, nil
}

// consume redeems ticket once, returning its subject.
func (t *ticketStore) consume(ticket string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.tickets[ticket]
	if !ok {
		return "", false
	}
	delete(t.tickets, ticket)
	if t.now().After(e.expiresAt) {
		return "", false
	}
	return e.subject, true
}

func (t *ticketStore) clean() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.tickets {
		if now.After(e.expiresAt) {
			delete(t.tickets, k)
		}
	}
}

func (t *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketCleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.clean()
		}
	}
}

func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.tickets.issue(actor(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL / time.Second),
	})
}
