// Package gateway pushes completion events to connected consumers over
// websockets. Consumers subscribe with subject/job/type filters; events they
// are not authorized to see are silently withheld. Subscriptions live and
// die with their connection.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/downstream"
	"eligibility-gateway/internal/platform/config"
	"eligibility-gateway/internal/platform/metrics"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
)

// GroupDelivery is the pipeline consumer group the gateway reads from.
const GroupDelivery = "delivery-gateway"

// Filter selects which events a subscription receives. Zero fields match
// everything; set fields are ANDed.
type Filter struct {
	SubjectID  string   `json:"subject_id,omitempty"`
	JobID      string   `json:"job_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev domain.CompletionEvent) bool {
	if f.SubjectID != "" && f.SubjectID != ev.SubjectID.String() {
		return false
	}
	if f.JobID != "" {
		if ev.CausingJobID == nil || f.JobID != ev.CausingJobID.String() {
			return false
		}
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == ev.Type.String() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// clientFrame is what consumers send: subscription management.
type clientFrame struct {
	Action  string `json:"action"`
	Filters Filter `json:"filters"`
}

// serverFrame is what the gateway sends.
type serverFrame struct {
	Frame  string                  `json:"frame"`
	Event  *domain.CompletionEvent `json:"event,omitempty"`
	Reason string                  `json:"reason,omitempty"`
}

// Gateway is the delivery fan-out. It implements the event pipeline Handler
// contract through Deliver.
type Gateway struct {
	cfg        config.Gateway
	identity   *Identity
	authorizer downstream.Authorizer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	mu     sync.RWMutex
	conns  map[*connection]struct{}
	closed bool
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds the gateway. authorizer decides per event and connection
// whether the principal may see the subject.
func New(cfg config.Gateway, authorizer downstream.Authorizer, opts ...Option) (*Gateway, error) {
	if authorizer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway requires an authorizer")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	if cfg.PushFailureThreshold <= 0 {
		cfg.PushFailureThreshold = 3
	}

	g := &Gateway{
		cfg:        cfg,
		identity:   NewIdentity(cfg.JWTSecret),
		authorizer: authorizer,
		logger:     slog.New(slog.DiscardHandler),
		conns:      make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// HandleUpgrade authenticates and upgrades an HTTP request into a
// subscription connection. The connection starts with no subscriptions; the
// client sends subscribe frames on the socket.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	principal, err := g.identity.PrincipalFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeUnavailable, "gateway shutting down")
	}
	g.mu.Unlock()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil
	}

	conn := newConnection(g, ws, principal)
	g.mu.Lock()
	g.conns[conn] = struct{}{}
	g.mu.Unlock()
	g.metrics.AddConnections(1)
	g.logger.Info("consumer connected", "principal", principal, "remote", ws.RemoteAddr())

	conn.start()
	return nil
}

// Deliver fans one event out to every authorized, matching subscription. It
// always succeeds from the pipeline's point of view: a slow or broken
// consumer is that connection's problem, handled by its push breaker, and
// must not stall the event stream for everyone else.
func (g *Gateway) Deliver(ctx context.Context, ev domain.CompletionEvent) error {
	g.mu.RLock()
	conns := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		if !c.wants(ev) {
			continue
		}
		allowed, err := g.canView(ctx, c.principal, ev.SubjectID)
		if err != nil {
			g.logger.Warn("authorization check failed, withholding event",
				"principal", c.principal, "subject_id", ev.SubjectID, "error", err)
			continue
		}
		if !allowed {
			continue
		}
		c.push(serverFrame{Frame: "event", Event: &ev})
	}
	return nil
}

func (g *Gateway) canView(ctx context.Context, principal string, subject id.SubjectID) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return g.authorizer.CanView(checkCtx, principal, subject)
}

// ConnectionCount reports live connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Close rejects new connections and closes the existing ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close("server shutting down")
	}
}

func (g *Gateway) drop(c *connection) {
	g.mu.Lock()
	_, present := g.conns[c]
	delete(g.conns, c)
	g.mu.Unlock()
	if present {
		g.metrics.AddConnections(-1)
		g.logger.Info("consumer disconnected", "principal", c.principal)
	}
}
