package main

import (
	"crypto/rand"
	"sync"
	"time"
)

// Registry owns the set of live parties. It is created at process start
// and handed by reference to the request handlers; shutdown discards any
// parties still active.
type Registry struct {
	cfg    *Config
	tokens *tokenIssuer

	mu      sync.Mutex
	parties map[string]*Party

	done     chan struct{}
	stopOnce sync.Once
}

func newRegistry(cfg *Config) *Registry {
	rg := &Registry{
		cfg:     cfg,
		tokens:  newTokenIssuer(cfg.tokenSecret),
		parties: make(map[string]*Party),
		done:    make(chan struct{}),
	}

	if cfg.sessionTimeout > 0 {
		go rg.reaperLoop()
	}

	return rg
}

// randomPartyID generates a crypto-random alphanumeric id, rejection
// sampling to avoid modulo bias.
func randomPartyID(n int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const max = byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}

// createParty admits a new party with the requester pre-joined as owner.
// Ids are generated under the lock so a collision can't slip in between
// check and insert.
func (rg *Registry) createParty(c *Client, ev Event) {
	owner := ev.Data.(CreateParty).Owner

	rg.mu.Lock()

	var id string
	for {
		id = randomPartyID(partyIDLength)
		if _, exists := rg.parties[id]; !exists {
			break
		}
	}

	p := newParty(id, owner, rg.cfg, rg.tokens)
	rg.parties[id] = p

	rg.mu.Unlock()

	go p.run()

	p.adopt(c, ev)
}

func (rg *Registry) lookup(id string) *Party {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	return rg.parties[id]
}

// route hands an inbound event to the right party. Party-addressed events
// have their id validated before any lookup; everything else goes to the
// party the connection is bound to.
func (rg *Registry) route(c *Client, ev Event) {
	switch data := ev.Data.(type) {
	case CreateParty:
		if c.boundParty() != nil {
			c.enqueue(newEvent(kindAuthError, AuthError{
				ResponseTo: ev.ID,
				Reason:     "already in a party",
			}))

			return
		}

		rg.createParty(c, ev)

	case JoinParty:
		rg.forward(c, ev, data.PartyID)

	case RejoinParty:
		rg.forward(c, ev, data.PartyID)

	case StartGame, PlayCards, PlayerStartVote, RequestState, SendMessage:
		p := c.boundParty()
		if p == nil {
			c.enqueue(newEvent(kindAuthError, AuthError{
				ResponseTo: ev.ID,
				Reason:     "join a party first",
			}))

			return
		}

		p.deliver(c, ev)
	}
}

func (rg *Registry) forward(c *Client, ev Event, rawID string) {
	if c.boundParty() != nil {
		c.enqueue(newEvent(kindAuthError, AuthError{
			ResponseTo: ev.ID,
			Reason:     "already in a party",
		}))

		return
	}

	// Malformed ids are rejected here, before any lookup; the wire has no
	// dedicated tag for them, and a malformed id is not a live party.
	id, err := validatePartyID(rawID)
	if err != nil {
		c.enqueue(newEvent(kindPartyNotFound, PartyNotFoundError{
			ResponseTo: ev.ID,
			PartyID:    rawID,
		}))

		return
	}

	p := rg.lookup(id)
	if p == nil {
		c.enqueue(newEvent(kindPartyNotFound, PartyNotFoundError{
			ResponseTo: ev.ID,
			PartyID:    id,
		}))

		return
	}

	p.deliver(c, ev)
}

// reaperLoop periodically removes parties that have been idle longer than
// the configured session timeout.
func (rg *Registry) reaperLoop() {
	ticker := time.NewTicker(rg.cfg.sessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rg.done:
			return

		case <-ticker.C:
			cutoff := time.Now().Add(-rg.cfg.sessionTimeout)

			rg.mu.Lock()
			for id, p := range rg.parties {
				p.mu.RLock()
				last := p.lastActive
				p.mu.RUnlock()

				if last.Before(cutoff) {
					delete(rg.parties, id)
					go p.close()
					logf(rg.cfg, "PARTY: Reaped idle party %s", id)
				}
			}
			rg.mu.Unlock()
		}
	}
}

// shutdown discards every live party and stops the reaper.
func (rg *Registry) shutdown() {
	rg.stopOnce.Do(func() {
		close(rg.done)

		rg.mu.Lock()
		defer rg.mu.Unlock()

		for id, p := range rg.parties {
			delete(rg.parties, id)
			go p.close()
		}
	})
}
