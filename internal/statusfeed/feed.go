// Package statusfeed serves live BuildStatus() snapshots over a
// websocket, so an operator UI or CLI can tail a subsystem's state
// without polling the Unix socket. It sits next to internal/observability
// as a second, complementary surface: Prometheus counters answer "how
// much", this answers "what does it look like right now".
//
// Endpoint: GET /status/{subsystem} on 127.0.0.1:9092 (configurable).
// Bind: loopback only — no external exposure, mirroring observability's
// metrics endpoint.
package statusfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dloman/gocapcom/internal/subsystem"
)

const (
	pushInterval = time.Second
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = (pongTimeout * 9) / 10
)

// Registry is the read-only slice of internal/registry.Registry this
// package needs: looking a subsystem up by name to snapshot it.
type Registry interface {
	Get(name string) (*subsystem.Subsystem, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Loopback-only endpoint; same-origin checks would only get in the
	// way of a local operator CLI connecting directly by address.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Feed serves status snapshots over websocket connections, one
// connection per subsystem being watched.
type Feed struct {
	registry Registry
	log      *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn      *websocket.Conn
	subsystem string
	send      chan subsystem.Status
}

// New creates a Feed backed by registry.
func New(registry Registry, log *zap.Logger) *Feed {
	return &Feed{
		registry: registry,
		log:      log,
		clients:  make(map[*client]struct{}),
	}
}

// ServeStatusFeed starts the websocket HTTP server on addr. Blocks until
// ctx is cancelled or the server fails.
func (f *Feed) ServeStatusFeed(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status/", f.handleWS)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streaming connections; per-write deadlines set explicitly
		IdleTimeout:  60 * time.Second,
	}

	go f.pushLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status feed server on %s: %w", addr, err)
	}
	return nil
}

// handleWS upgrades the request and registers a client for the
// subsystem named in the path, /status/<name>.
func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[len("/status/"):]
	if name == "" {
		http.Error(w, "subsystem name required", http.StatusBadRequest)
		return
	}
	if _, ok := f.registry.Get(name); !ok {
		http.Error(w, fmt.Sprintf("subsystem %q not found", name), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("statusfeed: upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, subsystem: name, send: make(chan subsystem.Status, 8)}
	f.register(c)
	defer f.unregister(c)

	go f.writePump(c)
	f.readPump(c)
}

// readPump discards inbound traffic but keeps the read deadline and
// pong handler live so a dead peer is detected and the connection torn
// down; gorilla/websocket requires a read loop to process control
// frames even on a send-only feed.
func (f *Feed) readPump(c *client) {
	defer c.conn.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case status, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(status)
			if err != nil {
				f.log.Warn("statusfeed: marshal status", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) register(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c] = struct{}{}
}

func (f *Feed) unregister(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// pushLoop snapshots every watched subsystem once per pushInterval and
// fans the result out to each subscribed client. A slow client's
// buffered send channel filling up just drops that tick rather than
// blocking the broadcast to everyone else.
func (f *Feed) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.broadcast()
		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) broadcast() {
	f.mu.Lock()
	clients := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		sub, ok := f.registry.Get(c.subsystem)
		if !ok {
			continue
		}
		status := sub.BuildStatus()
		select {
		case c.send <- status:
		default:
			f.log.Warn("statusfeed: client send buffer full, dropping tick", zap.String("subsystem", c.subsystem))
		}
	}
}
