package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

var upgrader = websocket.Upgrader{}

// testServer is a websocket endpoint that records received envelopes and can
// push envelopes to the connected client.
type testServer struct {
	srv      *httptest.Server
	received chan *Envelope
	push     chan *Envelope
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		received: make(chan *Envelope, 16),
		push:     make(chan *Envelope, 16),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for env := range ts.push {
				data, _ := json.Marshal(env)
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				ts.received <- &env
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func newTestAdapter(t *testing.T, url string) *Adapter {
	t.Helper()
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelError
	log, err := logger.New(cfg)
	require.NoError(t, err)

	a := New(Options{
		URL:         url,
		SelfID:      "user-a",
		ConnectWait: 2 * time.Second,
	}, log)
	t.Cleanup(a.Close)
	return a
}

func TestEnsureConnected(t *testing.T) {
	ts := newTestServer(t)
	a := newTestAdapter(t, ts.wsURL())

	require.NoError(t, a.EnsureConnected(context.Background()))
	// Second call reuses the live connection
	require.NoError(t, a.EnsureConnected(context.Background()))
}

func TestEnsureConnectedUnavailable(t *testing.T) {
	a := newTestAdapter(t, "ws://127.0.0.1:1/ws")
	a.opts.ConnectWait = 300 * time.Millisecond

	err := a.EnsureConnected(context.Background())
	require.ErrorIs(t, err, ErrChannelUnavailable)
}

func TestOutboundEnvelopes(t *testing.T) {
	ts := newTestServer(t)
	a := newTestAdapter(t, ts.wsURL())
	ctx := context.Background()

	require.NoError(t, a.StartCall(ctx, "c1", "chat-1", "video"))

	env := <-ts.received
	require.Equal(t, TypeStartCall, env.Type)
	require.Equal(t, "c1", env.CallID)
	require.Equal(t, "user-a", env.From)

	var p StartCallPayload
	require.NoError(t, env.Decode(&p))
	require.Equal(t, "chat-1", p.ChatID)
	require.Equal(t, "video", p.CallType)

	require.NoError(t, a.SendOffer(ctx, "c1", "user-b", "v=0\r\n"))
	env = <-ts.received
	require.Equal(t, TypeSDPOffer, env.Type)
	require.Equal(t, "user-b", env.To)

	var d DescriptionPayload
	require.NoError(t, env.Decode(&d))
	require.Equal(t, "offer", d.Kind)
	require.Equal(t, "v=0\r\n", d.SDP)

	mid := "0"
	require.NoError(t, a.SendCandidate(ctx, "c1", "user-b", CandidatePayload{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
		SDPMid:    &mid,
	}))
	env = <-ts.received
	require.Equal(t, TypeICECandidate, env.Type)
}

func TestInboundDispatch(t *testing.T) {
	ts := newTestServer(t)
	a := newTestAdapter(t, ts.wsURL())
	require.NoError(t, a.EnsureConnected(context.Background()))

	got := make(chan *Envelope, 1)
	a.RegisterHandler(TypeIncomingCall, "session", func(env *Envelope) {
		got <- env
	})

	sub, cancel := a.Subscribe()
	defer cancel()

	ts.push <- &Envelope{Type: TypeIncomingCall, CallID: "c1", From: "user-b"}

	select {
	case env := <-got:
		require.Equal(t, "c1", env.CallID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	select {
	case env := <-sub:
		require.Equal(t, TypeIncomingCall, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not notified")
	}
}

func TestOwnEnvelopesSkipped(t *testing.T) {
	ts := newTestServer(t)
	a := newTestAdapter(t, ts.wsURL())
	require.NoError(t, a.EnsureConnected(context.Background()))

	sub, cancel := a.Subscribe()
	defer cancel()

	ts.push <- &Envelope{Type: TypeCallStarted, CallID: "c1", From: "user-a"}
	ts.push <- &Envelope{Type: TypeCallStarted, CallID: "c2", From: "user-b"}

	select {
	case env := <-sub:
		require.Equal(t, "c2", env.CallID, "own echo must be filtered")
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestRegisterHandlerReplacesByName(t *testing.T) {
	ts := newTestServer(t)
	a := newTestAdapter(t, ts.wsURL())
	require.NoError(t, a.EnsureConnected(context.Background()))

	var first, second atomic.Int32
	a.RegisterHandler(TypeCallEnded, "session", func(*Envelope) { first.Add(1) })
	a.RegisterHandler(TypeCallEnded, "session", func(*Envelope) { second.Add(1) })

	done := make(chan struct{}, 1)
	a.RegisterHandler(TypeCallEnded, "probe", func(*Envelope) { done <- struct{}{} })

	ts.push <- &Envelope{Type: TypeCallEnded, CallID: "c1", From: "user-b"}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not dispatched")
	}

	require.Equal(t, int32(0), first.Load(), "replaced handler must not run")
	require.Equal(t, int32(1), second.Load())
}

func TestReconnectAfterServerDrop(t *testing.T) {
	ts := newTestServer(t)
	a := newTestAdapter(t, ts.wsURL())
	ctx := context.Background()

	require.NoError(t, a.EnsureConnected(ctx))

	// Drop the connection server-side; the adapter should redial and the
	// next send should go through.
	ts.srv.CloseClientConnections()

	require.Eventually(t, func() bool {
		return a.JoinCall(ctx, "c1") == nil
	}, 5*time.Second, 100*time.Millisecond)
}
