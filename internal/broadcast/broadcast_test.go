package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/retailingest/internal/auth"
	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) domain.ProgressEvent {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}
	return domain.ProgressEvent{}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected event %+v", event)
	default:
	}
}

func TestHubScopesEventsByTenant(t *testing.T) {
	hub := NewHub()
	tenantA, tenantB := uuid.New(), uuid.New()
	subA := hub.Subscribe(tenantA, uuid.Nil)
	subB := hub.Subscribe(tenantB, uuid.Nil)

	uploadID := uuid.New()
	hub.Publish(domain.NewProgressEvent(tenantA, uploadID, 40))

	event := receive(t, subA)
	assert.Equal(t, uploadID, event.UploadID)
	require.NotNil(t, event.Progress)
	assert.Equal(t, 40, *event.Progress)
	assertNoEvent(t, subB)
}

func TestHubFiltersByUpload(t *testing.T) {
	hub := NewHub()
	tenantID := uuid.New()
	wanted, other := uuid.New(), uuid.New()
	sub := hub.Subscribe(tenantID, wanted)

	hub.Publish(domain.NewProgressEvent(tenantID, other, 10))
	hub.Publish(domain.NewErrorEvent(tenantID, wanted, "ingestion worker exited unexpectedly"))

	event := receive(t, sub)
	assert.Equal(t, wanted, event.UploadID)
	assert.True(t, event.IsTerminal())
	assertNoEvent(t, sub)
}

func TestHubDropsEventsForSlowObservers(t *testing.T) {
	drops := 0
	hub := NewHub(WithBufferSize(1), WithDropHook(func() { drops++ }))
	tenantID, uploadID := uuid.New(), uuid.New()
	sub := hub.Subscribe(tenantID, uuid.Nil)

	hub.Publish(domain.NewProgressEvent(tenantID, uploadID, 10))
	hub.Publish(domain.NewProgressEvent(tenantID, uploadID, 20))

	assert.Equal(t, 1, drops)
	assert.Equal(t, 10, *receive(t, sub).Progress)
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()
	tenantID := uuid.New()
	sub := hub.Subscribe(tenantID, uuid.Nil)
	assert.Equal(t, 1, hub.SubscriberCount(tenantID))

	sub.Close()
	sub.Close()
	assert.Zero(t, hub.SubscriberCount(tenantID))
	_, ok := <-sub.Events()
	assert.False(t, ok)

	live := hub.Subscribe(tenantID, uuid.Nil)
	hub.Close()
	_, ok = <-live.Events()
	assert.False(t, ok)

	late := hub.Subscribe(tenantID, uuid.Nil)
	_, ok = <-late.Events()
	assert.False(t, ok)
}

func TestEnvelopeCarriesTenant(t *testing.T) {
	tenantID, uploadID := uuid.New(), uuid.New()
	stats := domain.IngestionStats{RowsTotal: 3, RowsAccepted: 2, RowsRejected: 1, Rejections: []domain.RowRejection{{RowIndex: 2, Reason: "missing amount"}}}

	payload, err := encodeEnvelope("node-a", domain.NewCompletedEvent(tenantID, uploadID, stats))
	require.NoError(t, err)

	origin, event, err := decodeEnvelope(string(payload))
	require.NoError(t, err)
	assert.Equal(t, "node-a", origin)
	assert.Equal(t, tenantID, event.TenantID)
	assert.Equal(t, uploadID, event.UploadID)
	require.NotNil(t, event.Stats)
	assert.Equal(t, stats, *event.Stats)

	_, _, err = decodeEnvelope(`{"origin":"node-a","event":{"status":"progress"}}`)
	assert.Error(t, err)
}

func TestRelayDeliversRemoteEventsOnly(t *testing.T) {
	hub := NewHub()
	relay := NewRedisRelay(nil, "progress", hub)
	tenantID := uuid.New()
	sub := hub.Subscribe(tenantID, uuid.Nil)

	own, err := encodeEnvelope(relay.origin, domain.NewProgressEvent(tenantID, uuid.New(), 10))
	require.NoError(t, err)
	relay.deliver(string(own))
	assertNoEvent(t, sub)

	remote, err := encodeEnvelope("other-node", domain.NewProgressEvent(tenantID, uuid.New(), 20))
	require.NoError(t, err)
	relay.deliver(string(remote))
	assert.Equal(t, 20, *receive(t, sub).Progress)

	relay.Publish(domain.NewProgressEvent(tenantID, uuid.New(), 30))
	assert.Equal(t, 30, *receive(t, sub).Progress)
	assert.Len(t, relay.outbox, 1)
}

func TestWebsocketStreamsTenantEvents(t *testing.T) {
	hub := NewHub()
	tokens := auth.NewTokenService("secret", time.Hour)
	server := httptest.NewServer(NewWSHandler(hub, tokens, nil))
	defer server.Close()

	tenantID, uploadID := uuid.New(), uuid.New()
	token, err := tokens.GenerateToken(auth.Principal{TenantID: tenantID})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/progress?token=" + token + "&uploadId=" + uploadID.String()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return hub.SubscriberCount(tenantID) == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(domain.NewProgressEvent(tenantID, uploadID, 100))
	hub.Publish(domain.NewCompletedEvent(tenantID, uploadID, domain.IngestionStats{RowsTotal: 1, RowsAccepted: 1, Rejections: []domain.RowRejection{}}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"uploadId":"`+uploadID.String()+`","status":"progress","progress":100}`, string(first))

	_, second, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"uploadId":"`+uploadID.String()+`","status":"completed","stats":{"rowsTotal":1,"rowsAccepted":1,"rowsRejected":0,"rejections":[]}}`, string(second))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	server := httptest.NewServer(NewWSHandler(NewHub(), auth.NewTokenService("secret", time.Hour), nil))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/progress"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
