package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/pkg/backoff"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFakeConn() *fakeConn {
	return &fakeConn{fakeStream: *newFakeStream()}
}

func testClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.ClientID = "alice"
	cfg.RegistrationInterval = time.Hour
	cfg.LoginBackoff = backoff.Config{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}
	cfg.Call = testCallConfig()
	return cfg
}

func newClientForTest(t *testing.T, token TokenProvider) (*Client, *fakeConn) {
	t.Helper()
	if token == nil {
		token = func(ctx context.Context) (string, error) { return "tok-1", nil }
	}
	engines := func() (ports.MediaEngine, error) { return &fakeEngine{}, nil }
	client := NewClient(testClientConfig(), engines, token, zap.NewNop(), ports.NopMetrics{})
	conn := newFakeConn()
	client.Bind(conn)
	t.Cleanup(client.Close)
	return client, conn
}

func TestConnectOpensStream(t *testing.T) {
	client, conn := newClientForTest(t, nil)

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, ClientConnecting, client.State())
	assert.Equal(t, 1, conn.opens)
}

func TestLoginSendsListenThenRegister(t *testing.T) {
	client, conn := newClientForTest(t, nil)
	require.NoError(t, client.Connect(context.Background()))

	client.OnConnected()
	require.Eventually(t, func() bool { return client.State() == ClientReady }, time.Second, time.Millisecond)

	verbs := conn.verbs()
	require.Len(t, verbs, 2)
	assert.Equal(t, domain.VerbListen, verbs[0], "listen must precede all other traffic")
	assert.Equal(t, domain.VerbRegister, verbs[1])

	listens := conn.sent(domain.VerbListen)
	assert.Equal(t, "tok-1", listens[0].payload.(domain.ListenPayload).Token)
}

func TestLoginReportsTokenFetchFailure(t *testing.T) {
	client, _ := newClientForTest(t, func(ctx context.Context) (string, error) {
		return "", errors.New("endpoint down")
	})

	errCh := make(chan *domain.CallError, 1)
	client.OnError(func(err *domain.CallError) { errCh <- err })

	client.OnConnected()
	select {
	case err := <-errCh:
		assert.Equal(t, domain.CodeTokenInvalid, err.Code)
	case <-time.After(time.Second):
		t.Fatal("token failure was not reported")
	}
	assert.NotEqual(t, ClientReady, client.State())
}

func TestLoginRetriesAfterTokenFetchFailure(t *testing.T) {
	var attempts atomic.Int32
	token := func(ctx context.Context) (string, error) {
		if attempts.Add(1) <= 2 {
			return "", errors.New("endpoint down")
		}
		return "tok-3", nil
	}
	engines := func() (ports.MediaEngine, error) { return &fakeEngine{}, nil }
	cfg := testClientConfig()
	cfg.LoginBackoff = backoff.Config{InitialDelay: 2 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2.0}
	client := NewClient(cfg, engines, token, zap.NewNop(), ports.NopMetrics{})
	conn := newFakeConn()
	client.Bind(conn)
	t.Cleanup(client.Close)

	// The transport stays healthy the whole time; only the token endpoint
	// flakes. The client must work its way to ready on its own.
	client.OnConnected()
	require.Eventually(t, func() bool { return client.State() == ClientReady }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 1, conn.sentCount(domain.VerbListen))
}

func TestOfflineAndReloginAfterReconnect(t *testing.T) {
	client, conn := newClientForTest(t, nil)
	client.OnConnected()
	require.Eventually(t, func() bool { return client.State() == ClientReady }, time.Second, time.Millisecond)

	client.OnOffline()
	assert.Equal(t, ClientOffline, client.State())

	// The transport reconnected: a fresh login runs.
	client.OnConnected()
	require.Eventually(t, func() bool {
		return conn.sentCount(domain.VerbListen) == 2
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return client.State() == ClientReady }, time.Second, time.Millisecond)
}

func TestExpiredTokenTriggersReauthentication(t *testing.T) {
	client, conn := newClientForTest(t, nil)
	client.OnConnected()
	require.Eventually(t, func() bool { return client.State() == ClientReady }, time.Second, time.Millisecond)

	p := domain.ErrorPayload{}
	p.Error.Code = int(domain.CodeTokenExpired)
	p.Error.Message = "access token expired"
	client.OnClientError(p)

	require.Eventually(t, func() bool {
		return conn.sentCount(domain.VerbListen) == 2
	}, time.Second, time.Millisecond)
}

func TestInviteWithoutListenerIsRejected(t *testing.T) {
	client, conn := newClientForTest(t, nil)

	client.OnInvite(domain.InvitePayload{CallSid: "CA-1", SDP: "v=0"})
	rejects := conn.sent(domain.VerbReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.CallID("CA-1"), rejects[0].payload.(domain.RejectPayload).CallSid)
}

func TestInviteDeliveredToListener(t *testing.T) {
	client, conn := newClientForTest(t, nil)

	calls := make(chan *Call, 1)
	client.OnIncoming(func(c *Call) { calls <- c })

	client.OnInvite(domain.InvitePayload{CallSid: "CA-2", SDP: "v=0"})

	select {
	case call := <-calls:
		assert.Equal(t, domain.CallID("CA-2"), call.Sid())
		assert.Equal(t, domain.DirectionIncoming, call.Direction())
		assert.Len(t, client.ActiveCalls(), 1)
	case <-time.After(time.Second):
		t.Fatal("invite was not delivered")
	}
	assert.Zero(t, conn.sentCount(domain.VerbReject))
}

func TestRemoteCancelEndsPendingIncomingCall(t *testing.T) {
	client, conn := newClientForTest(t, nil)

	calls := make(chan *Call, 1)
	client.OnIncoming(func(c *Call) { calls <- c })
	client.OnInvite(domain.InvitePayload{CallSid: "CA-5", SDP: "v=0"})

	var call *Call
	select {
	case call = <-calls:
	case <-time.After(time.Second):
		t.Fatal("invite was not delivered")
	}
	require.Equal(t, domain.StatePending, call.State())

	// The caller gives up before the application accepts. The cancel must
	// reach the pending session, not vanish for lack of a subscription.
	h := conn.handlerFor("CA-5")
	require.NotNil(t, h, "pending incoming call must receive call-scoped messages")
	h.OnHangup(domain.HangupPayload{CallSid: "CA-5", Message: "call cancelled"})

	assert.Equal(t, domain.StateClosed, call.State())
	require.Eventually(t, func() bool {
		return len(client.ActiveCalls()) == 0
	}, time.Second, time.Millisecond)
	assert.Zero(t, conn.sentCount(domain.VerbHangup), "the remote side already ended the call")
}

func TestDuplicateInviteIgnored(t *testing.T) {
	client, _ := newClientForTest(t, nil)

	calls := make(chan *Call, 2)
	client.OnIncoming(func(c *Call) { calls <- c })

	client.OnInvite(domain.InvitePayload{CallSid: "CA-3", SDP: "v=0"})
	client.OnInvite(domain.InvitePayload{CallSid: "CA-3", SDP: "v=0"})

	assert.Len(t, calls, 1)
	assert.Len(t, client.ActiveCalls(), 1)
}

func TestInviteRejectedWhenEngineUnavailable(t *testing.T) {
	token := func(ctx context.Context) (string, error) { return "tok", nil }
	engines := func() (ports.MediaEngine, error) { return nil, errors.New("no audio device") }
	client := NewClient(testClientConfig(), engines, token, zap.NewNop(), ports.NopMetrics{})
	conn := newFakeConn()
	client.Bind(conn)
	t.Cleanup(client.Close)

	client.OnIncoming(func(*Call) { t.Error("listener must not see the invite") })
	client.OnInvite(domain.InvitePayload{CallSid: "CA-4", SDP: "v=0"})

	assert.Equal(t, 1, conn.sentCount(domain.VerbReject))
}

func TestDialTracksAndReapsCalls(t *testing.T) {
	client, _ := newClientForTest(t, nil)

	call, err := client.Dial(context.Background(), OutgoingParams{Params: map[string]string{"To": "bob"}})
	require.NoError(t, err)
	assert.Len(t, client.ActiveCalls(), 1)

	require.NoError(t, call.Hangup())
	require.Eventually(t, func() bool {
		return len(client.ActiveCalls()) == 0
	}, time.Second, time.Millisecond)
}

func TestCloseHangsUpCallsAndStream(t *testing.T) {
	client, conn := newClientForTest(t, nil)

	call, err := client.Dial(context.Background(), OutgoingParams{})
	require.NoError(t, err)

	client.Close()
	client.Close() // idempotent

	assert.Equal(t, ClientClosed, client.State())
	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, domain.StateClosed, call.State())

	_, err = client.Dial(context.Background(), OutgoingParams{})
	assert.ErrorIs(t, err, domain.ErrClientClosed)
}

func TestServerCloseShutsClientDown(t *testing.T) {
	client, conn := newClientForTest(t, nil)

	client.OnServerClose()
	assert.Equal(t, ClientClosed, client.State())
	assert.Equal(t, 1, conn.closeCount())
}

func TestPeriodicRegistrationRefresh(t *testing.T) {
	token := func(ctx context.Context) (string, error) { return "tok", nil }
	engines := func() (ports.MediaEngine, error) { return &fakeEngine{}, nil }
	cfg := testClientConfig()
	cfg.RegistrationInterval = 10 * time.Millisecond
	client := NewClient(cfg, engines, token, zap.NewNop(), ports.NopMetrics{})
	conn := newFakeConn()
	client.Bind(conn)
	t.Cleanup(client.Close)

	client.OnConnected()
	require.Eventually(t, func() bool {
		return conn.sentCount(domain.VerbRegister) >= 3
	}, time.Second, time.Millisecond)
}
