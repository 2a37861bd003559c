package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Vanaras-AI/AEON/pkg/pipeline"
)

func TestEmitFansOutToAllSubscribers(t *testing.T) {
	b := NewBus("")
	a := b.subscribe()
	c := b.subscribe()
	defer b.unsubscribe(a)
	defer b.unsubscribe(c)

	b.Emit(pipeline.Signal{Kind: "AUDIT_INTENT", AgentID: "x"})

	select {
	case sig := <-a:
		assert.Equal(t, "x", sig.AgentID)
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive signal")
	}
	select {
	case sig := <-c:
		assert.Equal(t, "x", sig.AgentID)
	case <-time.After(time.Second):
		t.Fatal("subscriber c did not receive signal")
	}
}

func TestEmitDropsOnFullSubscriberQueue(t *testing.T) {
	b := NewBus("")
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	for i := 0; i < BroadcastCapacity+10; i++ {
		b.Emit(pipeline.Signal{Kind: "AUDIT_INTENT"})
	}

	assert.Equal(t, BroadcastCapacity, len(ch), "the channel must fill to capacity and never block the sender")
}

func TestAuthorizedWithNoSecretAllowsEverything(t *testing.T) {
	b := NewBus("")
	req := httptest.NewRequest(http.MethodGet, "/telemetry", nil)
	assert.True(t, b.authorized(req))
}

func TestAuthorizedWithQueryToken(t *testing.T) {
	b := NewBus("s3cret")
	req := httptest.NewRequest(http.MethodGet, "/telemetry?token=s3cret", nil)
	assert.True(t, b.authorized(req))

	bad := httptest.NewRequest(http.MethodGet, "/telemetry?token=wrong", nil)
	assert.False(t, b.authorized(bad))
}

func TestWebsocketInboundHaltReachesCommandChannel(t *testing.T) {
	b := NewBus("")
	commands := make(chan ControlCommand, 4)
	srv := httptest.NewServer(b.Router(commands))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + srv.URL[len("http"):] + "/telemetry"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "HALT"}))

	select {
	case cmd := <-commands:
		assert.Equal(t, "HALT", cmd.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("HALT sent over the websocket never reached the command channel")
	}
}

func TestWebsocketInboundSignalCarriesPayload(t *testing.T) {
	b := NewBus("")
	commands := make(chan ControlCommand, 4)
	srv := httptest.NewServer(b.Router(commands))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + srv.URL[len("http"):] + "/telemetry"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]interface{}{
		"type":    "SIGNAL",
		"payload": map[string]string{"note": "operator ping"},
	}))

	select {
	case cmd := <-commands:
		assert.Equal(t, "SIGNAL", cmd.Kind)
		assert.Contains(t, cmd.Reason, "operator ping")
	case <-time.After(3 * time.Second):
		t.Fatal("SIGNAL sent over the websocket never reached the command channel")
	}
}

func TestAuthorizedWithBearerJWT(t *testing.T) {
	b := NewBus("s3cret")
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	signed, err := tok.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/telemetry", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	assert.True(t, b.authorized(req))

	badTok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	badSigned, err := badTok.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	reqBad := httptest.NewRequest(http.MethodGet, "/telemetry", nil)
	reqBad.Header.Set("Authorization", "Bearer "+badSigned)
	assert.False(t, b.authorized(reqBad))
}
