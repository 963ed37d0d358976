package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/metrics"
)

// connPair 通过本地WebSocket服务端建立一对互联的Conn
func connPair(t *testing.T, serverHandler, clientHandler Handler) (*Conn, *Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	var server *Conn
	var wg sync.WaitGroup
	wg.Add(1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		server = NewConn(ws, "S1", serverHandler, nil, nil)
		wg.Done()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	client := NewConn(ws, "S1", clientHandler, nil, nil)
	wg.Wait()

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func echoHandler(ctx context.Context, action ocpp.Action, payload json.RawMessage) (interface{}, error) {
	switch action {
	case ocpp.ActionHeartbeat:
		return ocpp.HeartbeatResponse{CurrentTime: "2024-01-01T00:00:00Z"}, nil
	default:
		return nil, NewError(ErrorCodeNotImplemented, string(action))
	}
}

func TestConnCall(t *testing.T) {
	client, _ := connPair(t, echoHandler, echoHandler)

	var resp ocpp.HeartbeatResponse
	err := client.Call(context.Background(), ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", resp.CurrentTime)
}

func TestConnCallNotImplemented(t *testing.T) {
	client, _ := connPair(t, echoHandler, echoHandler)

	err := client.Call(context.Background(), ocpp.ActionAuthorize, ocpp.AuthorizeRequest{
		IdToken: ocpp.IdToken{IdToken: "ABC", Type: ocpp.IdTokenTypeISO15693},
	}, nil)
	require.Error(t, err)

	rpcErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeNotImplemented, rpcErr.Code)
}

func TestConnBidirectionalCalls(t *testing.T) {
	client, server := connPair(t, echoHandler, echoHandler)

	// 双方互为发起者时，响应仍能与各自的请求配对
	var fromClient, fromServer ocpp.HeartbeatResponse
	require.NoError(t, client.Call(context.Background(), ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, &fromClient))
	require.NoError(t, server.Call(context.Background(), ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, &fromServer))

	assert.Equal(t, fromClient.CurrentTime, fromServer.CurrentTime)
}

func TestConnConcurrentCalls(t *testing.T) {
	client, _ := connPair(t, echoHandler, echoHandler)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var resp ocpp.HeartbeatResponse
			assert.NoError(t, client.Call(context.Background(), ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, &resp))
		}()
	}
	wg.Wait()
}

func TestConnInboundCallDuringOutboundAwait(t *testing.T) {
	// 服务端处理器在响应前反向发起一次调用，
	// 验证阻塞等待响应的一端仍能处理入站调用
	var server *Conn
	serverHandler := func(ctx context.Context, action ocpp.Action, payload json.RawMessage) (interface{}, error) {
		var resp ocpp.HeartbeatResponse
		if err := server.Call(ctx, ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, &resp); err != nil {
			return nil, err
		}
		return ocpp.HeartbeatResponse{CurrentTime: resp.CurrentTime}, nil
	}

	client, srv := connPair(t, serverHandler, echoHandler)
	server = srv

	var resp ocpp.HeartbeatResponse
	err := client.Call(context.Background(), ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", resp.CurrentTime)
}

func TestConnCallAfterClose(t *testing.T) {
	client, _ := connPair(t, echoHandler, echoHandler)
	require.NoError(t, client.Close())

	err := client.Call(context.Background(), ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, nil)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestConnTimedOutCallStillCounted(t *testing.T) {
	blockedHandler := func(ctx context.Context, action ocpp.Action, payload json.RawMessage) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	upgrader := websocket.Upgrader{}
	var server *Conn
	var wg sync.WaitGroup
	wg.Add(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		server = NewConn(ws, "S1", blockedHandler, nil, nil)
		wg.Done()
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	config := DefaultConfig()
	config.CallTimeout = 100 * time.Millisecond
	client := NewConn(ws, "S1", blockedHandler, config, nil)
	wg.Wait()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	before := testutil.ToFloat64(metrics.CallsSent.WithLabelValues(string(ocpp.ActionStatusNotification)))
	err = client.Call(context.Background(), ocpp.ActionStatusNotification, ocpp.StatusNotificationRequest{}, nil)
	require.Error(t, err)

	// 已发出但超时未完成的调用同样计入发送计数
	after := testutil.ToFloat64(metrics.CallsSent.WithLabelValues(string(ocpp.ActionStatusNotification)))
	assert.Equal(t, before+1, after)
}

func TestConnPeerCloseFailsPendingCall(t *testing.T) {
	slowHandler := func(ctx context.Context, action ocpp.Action, payload json.RawMessage) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	client, server := connPair(t, slowHandler, echoHandler)

	done := make(chan error, 1)
	go func() {
		done <- client.Call(context.Background(), ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail after peer close")
	}
}
