package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/internal/downstream"
	"eligibility-gateway/internal/platform/config"
	id "eligibility-gateway/pkg/domain"
)

type denyListAuthorizer struct {
	denied map[id.SubjectID]bool
}

func (a denyListAuthorizer) CanView(_ context.Context, _ string, subject id.SubjectID) (bool, error) {
	return !a.denied[subject], nil
}

func testGatewayConfig() config.Gateway {
	return config.Gateway{
		HeartbeatInterval:    time.Minute,
		WriteTimeout:         time.Second,
		OutboundQueueSize:    16,
		PushFailureThreshold: 3,
	}
}

// dial spins up the gateway behind an httptest server and connects one
// websocket consumer to it.
func dial(t *testing.T, g *Gateway) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.HandleUpgrade(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func subscribe(t *testing.T, ws *websocket.Conn, f Filter) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(clientFrame{Action: "subscribe", Filters: f}))
	// Subscription registration is asynchronous on the read loop.
	time.Sleep(50 * time.Millisecond)
}

func readFrame(t *testing.T, ws *websocket.Conn) serverFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame serverFrame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func completionFor(subject string) domain.CompletionEvent {
	req := domain.EligibilityRequest{
		RequestID:   id.NewRequestID(),
		SubjectID:   id.SubjectID(subject),
		Fingerprint: id.ComputeFingerprint(id.SubjectID(subject), nil),
		Priority:    domain.PriorityInteractive,
		SubmittedAt: time.Now(),
	}
	return domain.NewCompletionEvent(req, domain.Success([]byte(`{"eligible":true}`)), time.Second)
}

func TestDeliver_SubjectFilter(t *testing.T) {
	g, err := New(testGatewayConfig(), downstream.AllowAll{})
	require.NoError(t, err)
	defer g.Close()

	ws := dial(t, g)
	subscribe(t, ws, Filter{SubjectID: "member-1"})

	require.NoError(t, g.Deliver(context.Background(), completionFor("member-2")))
	require.NoError(t, g.Deliver(context.Background(), completionFor("member-1")))

	frame := readFrame(t, ws)
	assert.Equal(t, "event", frame.Frame)
	require.NotNil(t, frame.Event)
	assert.Equal(t, id.SubjectID("member-1"), frame.Event.SubjectID, "non-matching event must not arrive first")
}

func TestDeliver_EventTypeFilter(t *testing.T) {
	g, err := New(testGatewayConfig(), downstream.AllowAll{})
	require.NoError(t, err)
	defer g.Close()

	ws := dial(t, g)
	subscribe(t, ws, Filter{SubjectID: "member-1", EventTypes: []string{"failed"}})

	completed := completionFor("member-1")
	require.NoError(t, g.Deliver(context.Background(), completed))

	failed := completionFor("member-1")
	failed.Type = domain.EventFailed
	failed.Outcome = domain.Failure("coverage_lapsed", false)
	require.NoError(t, g.Deliver(context.Background(), failed))

	frame := readFrame(t, ws)
	require.NotNil(t, frame.Event)
	assert.Equal(t, domain.EventFailed, frame.Event.Type)
}

func TestDeliver_JobFilter(t *testing.T) {
	g, err := New(testGatewayConfig(), downstream.AllowAll{})
	require.NoError(t, err)
	defer g.Close()

	jobID := id.NewJobID()
	ws := dial(t, g)
	subscribe(t, ws, Filter{JobID: jobID.String()})

	require.NoError(t, g.Deliver(context.Background(), completionFor("member-1")))

	jobEvent := completionFor("member-2")
	jobEvent.CausingJobID = &jobID
	require.NoError(t, g.Deliver(context.Background(), jobEvent))

	frame := readFrame(t, ws)
	require.NotNil(t, frame.Event)
	require.NotNil(t, frame.Event.CausingJobID)
	assert.Equal(t, jobID, *frame.Event.CausingJobID)
}

func TestDeliver_WithholdsUnauthorizedSubjects(t *testing.T) {
	auth := denyListAuthorizer{denied: map[id.SubjectID]bool{"member-secret": true}}
	g, err := New(testGatewayConfig(), auth)
	require.NoError(t, err)
	defer g.Close()

	ws := dial(t, g)
	subscribe(t, ws, Filter{})

	require.NoError(t, g.Deliver(context.Background(), completionFor("member-secret")))
	require.NoError(t, g.Deliver(context.Background(), completionFor("member-public")))

	frame := readFrame(t, ws)
	require.NotNil(t, frame.Event)
	assert.Equal(t, id.SubjectID("member-public"), frame.Event.SubjectID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	g, err := New(testGatewayConfig(), downstream.AllowAll{})
	require.NoError(t, err)
	defer g.Close()

	ws := dial(t, g)
	f := Filter{SubjectID: "member-1"}
	subscribe(t, ws, f)

	require.NoError(t, ws.WriteJSON(clientFrame{Action: "unsubscribe", Filters: f}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, g.Deliver(context.Background(), completionFor("member-1")))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var frame serverFrame
	err = ws.ReadJSON(&frame)
	require.Error(t, err, "no event may arrive after unsubscribe")
}

func TestPushOverflowSendsFallbackAndCloses(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.OutboundQueueSize = 1
	cfg.PushFailureThreshold = 2
	g, err := New(cfg, downstream.AllowAll{})
	require.NoError(t, err)
	defer g.Close()

	ws := dial(t, g)
	subscribe(t, ws, Filter{})

	// Flood without the client reading: the one-slot queue overflows and
	// the breaker trips after two drops.
	for i := 0; i < 50; i++ {
		require.NoError(t, g.Deliver(context.Background(), completionFor("member-1")))
	}

	sawFallback := false
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var frame serverFrame
		if err := ws.ReadJSON(&frame); err != nil {
			break // server closed the socket
		}
		if frame.Frame == "fallback" {
			sawFallback = true
			assert.Contains(t, frame.Reason, "poll")
		}
	}
	assert.True(t, sawFallback, "consumer must be told to switch to polling")

	require.Eventually(t, func() bool { return g.ConnectionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestUnresponsivePeerIsDropped(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	g, err := New(cfg, downstream.AllowAll{})
	require.NoError(t, err)
	defer g.Close()

	ws := dial(t, g)
	require.Eventually(t, func() bool { return g.ConnectionCount() == 1 },
		time.Second, 10*time.Millisecond)

	// The client never reads, so heartbeat pings go unanswered and the
	// read deadline reaps the connection without waiting for a write to
	// fail.
	require.Eventually(t, func() bool { return g.ConnectionCount() == 0 },
		2*time.Second, 25*time.Millisecond)
	_ = ws
}

func TestResponsivePeerStaysConnected(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	g, err := New(cfg, downstream.AllowAll{})
	require.NoError(t, err)
	defer g.Close()

	ws := dial(t, g)
	go func() {
		// Reading pumps control frames; the default ping handler pongs.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, g.ConnectionCount())
}

func TestIdentity_TokenVerification(t *testing.T) {
	secret := "test-signing-key"
	identity := NewIdentity(secret)

	makeToken := func(claims Claims, key string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(key))
		require.NoError(t, err)
		return signed
	}

	t.Run("valid token resolves principal claim", func(t *testing.T) {
		token := makeToken(Claims{
			Principal: "care-team-7",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}, secret)
		principal, err := identity.PrincipalFromHeader("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "care-team-7", principal)
	})

	t.Run("falls back to subject", func(t *testing.T) {
		token := makeToken(Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "svc-billing",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}, secret)
		principal, err := identity.PrincipalFromHeader("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "svc-billing", principal)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		token := makeToken(Claims{
			Principal: "care-team-7",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}, secret)
		_, err := identity.PrincipalFromHeader("Bearer " + token)
		require.Error(t, err)
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		token := makeToken(Claims{
			Principal: "care-team-7",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}, "other-key")
		_, err := identity.PrincipalFromHeader("Bearer " + token)
		require.Error(t, err)
	})

	t.Run("missing header rejected", func(t *testing.T) {
		_, err := identity.PrincipalFromHeader("")
		require.Error(t, err)
	})

	t.Run("empty secret means anonymous", func(t *testing.T) {
		principal, err := NewIdentity("").PrincipalFromHeader("")
		require.NoError(t, err)
		assert.Equal(t, AnonymousPrincipal, principal)
	})
}
