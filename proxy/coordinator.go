// Package proxy couples inbound client sessions to outbound server
// sessions and enforces the security pipeline between them.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"mcproxy.dev/mcproxy/config"
	"mcproxy.dev/mcproxy/events"
	"mcproxy.dev/mcproxy/jsonrpc"
	"mcproxy.dev/mcproxy/ratelimit"
	"mcproxy.dev/mcproxy/sanitize"
	"mcproxy.dev/mcproxy/transport"
	"mcproxy.dev/mcproxy/vault"
)

// ConnectionRecord tracks one live client↔server pairing.
type ConnectionRecord struct {
	ID        string
	Client    *ClientLeg
	Server    *ServerLeg
	CreatedAt time.Time
}

// Coordinator accepts sessions, wires the leg pairs, and owns the shared
// security objects: the read-only filters, the vault, and the rate
// limiter.
type Coordinator struct {
	cfg *config.Config

	ansi      *sanitize.AnsiFilter
	whitelist *sanitize.Whitelist
	patterns  *sanitize.PatternMatcher
	validator *sanitize.Validator
	detector  *sanitize.Detector

	vault   *vault.Vault
	limiter *ratelimit.Limiter
	sink    events.Sink

	// DialServer opens the downstream connection. Overridable in tests;
	// defaults to a websocket dial of proxy.mcp_server_url.
	DialServer DialFunc

	m       sync.Mutex
	conns   map[string]*ConnectionRecord
	wg      sync.WaitGroup
	nextID  atomic.Uint64
	started time.Time
	closed  atomic.Bool
}

// NewCoordinator constructs the shared pipeline objects. Configuration
// errors (bad regexes, key derivation failure) are fatal here, before any
// session is accepted.
func NewCoordinator(cfg *config.Config, sink events.Sink) (*Coordinator, error) {
	if sink == nil {
		sink = events.Discard{}
	}
	patterns, err := cfg.PatternMatcher()
	if err != nil {
		return nil, err
	}
	detector, err := cfg.Detector()
	if err != nil {
		return nil, err
	}
	validator, err := cfg.Validator()
	if err != nil {
		return nil, err
	}
	v, err := vault.New(cfg.VaultConfig(), sink)
	if err != nil {
		return nil, err
	}
	co := &Coordinator{
		cfg:       cfg,
		ansi:      cfg.AnsiFilter(),
		whitelist: cfg.Whitelist(),
		patterns:  patterns,
		validator: validator,
		detector:  detector,
		vault:     v,
		limiter:   ratelimit.New(cfg.RateLimiterConfig()),
		sink:      sink,
		conns:     make(map[string]*ConnectionRecord),
		started:   time.Now(),
	}
	co.DialServer = func(ctx context.Context) (transport.MsgConn, error) {
		return transport.Dial(ctx, cfg.Proxy.MCPServerURL, int64(cfg.Proxy.MaxMessageSize))
	}
	return co, nil
}

// ServeHTTP upgrades an inbound request and runs the session. Sessions
// beyond max_connections are refused with a policy-violation close.
func (co *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("upgrade failed: %v", err)
		return
	}
	conn := transport.NewWSConn(c, int64(co.cfg.Proxy.MaxMessageSize))
	if co.ActiveConnections() >= co.cfg.Proxy.MaxConnections {
		logrus.Warnf("refusing session: connection limit %d reached", co.cfg.Proxy.MaxConnections)
		conn.CloseWithCode(transport.ClosePolicy, "connection limit reached")
		return
	}
	rec := co.Attach(conn)
	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		rec.Client.Run()
		co.detach(rec.ID)
	}()
}

// Attach wires a leg pair around an accepted client connection and
// registers it. The caller runs rec.Client.Run.
func (co *Coordinator) Attach(clientConn transport.MsgConn) *ConnectionRecord {
	id := fmt.Sprintf("conn-%d", co.nextID.Add(1))

	san := sanitize.New(id, sanitize.Options{
		StrictMode:       co.cfg.Sanitization.StrictMode,
		SecretProtection: co.cfg.APIKeyProtection.Enabled,
	}, co.ansi, co.whitelist, co.patterns, co.validator, co.detector, co.vault, co.sink)

	var client *ClientLeg
	server := NewServerLeg(id, ServerLegConfig{
		AutoReconnect:        co.cfg.Proxy.AutoReconnect,
		ReconnectInitial:     co.cfg.ReconnectInitialDelay(),
		ReconnectMaxAttempts: co.cfg.Proxy.ReconnectMaxAttempts,
		MaxQueueSize:         co.cfg.Proxy.MaxQueueSize,
		HandshakeTimeout:     co.cfg.HandshakeTimeout(),
	}, co.DialServer,
		san,
		func(msg *jsonrpc.Message) { client.HandleServerMessage(msg) },
		func(err error) { client.HandleServerClose(err) },
	)
	client = NewClientLeg(id, clientConn, server, san, co.limiter, co.sink,
		co.cfg.Proxy.MaxMessageSize)

	rec := &ConnectionRecord{ID: id, Client: client, Server: server, CreatedAt: time.Now()}
	co.m.Lock()
	co.conns[id] = rec
	co.m.Unlock()
	logrus.Infof("conn %s: accepted", id)
	return rec
}

func (co *Coordinator) detach(id string) {
	co.m.Lock()
	delete(co.conns, id)
	co.m.Unlock()
}

// ActiveConnections returns the size of the connection table.
func (co *Coordinator) ActiveConnections() int {
	co.m.Lock()
	defer co.m.Unlock()
	return len(co.conns)
}

// Connections returns a snapshot of the connection table.
func (co *Coordinator) Connections() []*ConnectionRecord {
	co.m.Lock()
	defer co.m.Unlock()
	return maps.Values(co.conns)
}

// Uptime reports how long the coordinator has been accepting sessions.
func (co *Coordinator) Uptime() time.Duration {
	return time.Since(co.started)
}

// Shutdown closes every connection gracefully, waits for the session
// goroutines, and zeroizes the vault.
func (co *Coordinator) Shutdown(ctx context.Context) {
	if !co.closed.CompareAndSwap(false, true) {
		return
	}
	for _, rec := range co.Connections() {
		rec.Client.Close()
	}
	done := make(chan struct{})
	go func() {
		co.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logrus.Warn("shutdown timed out waiting for sessions")
	}
	co.vault.Close()
	logrus.Info("coordinator stopped")
}
