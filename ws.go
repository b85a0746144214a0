package main

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. It starts unbound; creating or
// joining a party binds it to a (party, username) pairing for the rest of
// its life.
type Client struct {
	conn *websocket.Conn
	send chan Event

	mu       sync.Mutex
	closed   bool
	party    *Party
	username string
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan Event, 8),
	}
}

func (c *Client) bind(p *Party, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.party = p
	c.username = username
}

func (c *Client) boundParty() *Party {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.party
}

func (c *Client) boundUsername() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.username
}

// enqueue queues an outbound event without blocking. Returns false if the
// client is gone or too slow to keep up.
func (c *Client) enqueue(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound queue down exactly once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump(cfg *Config, rg *Registry) {
	defer func() {
		if p := c.boundParty(); p != nil {
			p.leave(c)
		} else {
			c.closeSend()
		}
		_ = c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		ev, err := decodeEvent(raw)
		if err != nil {
			logf(cfg, "WS: Dropping frame from %s: %v", c.conn.RemoteAddr(), err)

			continue
		}

		rg.route(c, ev)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// serveWS upgrades the connection and pumps decoded events into the
// registry.
func serveWS(cfg *Config, rg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "WS: Upgrade error: %v", err)

			return
		}

		client := newClient(conn)

		go client.writePump()
		client.readPump(cfg, rg)
	}
}

// qrHandler generates a PNG QR code for a party's share URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, err := validatePartyID(ps.ByName("partyid")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /party/:partyid/qr; strip trailing "/qr" to get the
	// party URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}
