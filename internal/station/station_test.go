package station

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/rpc"
)

// fakeCSMS 测试用CSMS：应答站点调用并可主动下发远程命令
type fakeCSMS struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	conn         *rpc.Conn
	bootQueue    []ocpp.RegistrationStatus
	bootInterval int
	authStatus   ocpp.AuthorizationStatus
	startStatus  ocpp.AuthorizationStatus
	events       []ocpp.TransactionEventRequest
	callCounts   map[ocpp.Action]int
}

func newFakeCSMS(t *testing.T) *fakeCSMS {
	t.Helper()
	f := &fakeCSMS{
		t:           t,
		authStatus:  ocpp.AuthorizationStatusAccepted,
		startStatus: ocpp.AuthorizationStatusAccepted,
		callCounts:  make(map[ocpp.Action]int),
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{ocpp.SubProtocol},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := rpc.NewConn(ws, "test-csms", f.handle, nil, nil)
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCSMS) endpoint() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeCSMS) handle(ctx context.Context, action ocpp.Action, payload json.RawMessage) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCounts[action]++

	switch action {
	case ocpp.ActionBootNotification:
		status := ocpp.RegistrationStatusAccepted
		if len(f.bootQueue) > 0 {
			status = f.bootQueue[0]
			f.bootQueue = f.bootQueue[1:]
		}
		return ocpp.BootNotificationResponse{
			Status:      status,
			CurrentTime: ocpp.Now(),
			Interval:    f.bootInterval,
		}, nil
	case ocpp.ActionHeartbeat:
		return ocpp.HeartbeatResponse{CurrentTime: ocpp.Now()}, nil
	case ocpp.ActionStatusNotification:
		return ocpp.StatusNotificationResponse{}, nil
	case ocpp.ActionAuthorize:
		return ocpp.AuthorizeResponse{IdTokenInfo: ocpp.IdTokenInfo{Status: f.authStatus}}, nil
	case ocpp.ActionTransactionEvent:
		var req ocpp.TransactionEventRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.ErrorCodeFormationViolation, err.Error())
		}
		f.events = append(f.events, req)
		status := ocpp.AuthorizationStatusAccepted
		if req.EventType == ocpp.TransactionEventStarted {
			status = f.startStatus
		}
		return ocpp.TransactionEventResponse{IdTokenInfo: &ocpp.IdTokenInfo{Status: status}}, nil
	default:
		return nil, rpc.NewError(rpc.ErrorCodeNotImplemented, string(action))
	}
}

func (f *fakeCSMS) transactionEvents() []ocpp.TransactionEventRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ocpp.TransactionEventRequest(nil), f.events...)
}

func (f *fakeCSMS) calls(action ocpp.Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCounts[action]
}

func (f *fakeCSMS) requestStart(evseID, remoteStartID int, idToken ocpp.IdToken) ocpp.RequestStartTransactionResponse {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(f.t, conn)

	var resp ocpp.RequestStartTransactionResponse
	err := conn.Call(context.Background(), ocpp.ActionRequestStartTransaction, ocpp.RequestStartTransactionRequest{
		EvseID:        evseID,
		RemoteStartID: remoteStartID,
		IdToken:       idToken,
	}, &resp)
	require.NoError(f.t, err)
	return resp
}

func (f *fakeCSMS) requestStop(transactionID string) ocpp.RequestStopTransactionResponse {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(f.t, conn)

	var resp ocpp.RequestStopTransactionResponse
	err := conn.Call(context.Background(), ocpp.ActionRequestStopTransaction, ocpp.RequestStopTransactionRequest{
		TransactionID: transactionID,
	}, &resp)
	require.NoError(f.t, err)
	return resp
}

func newTestStation(t *testing.T, csms *fakeCSMS, mutate func(*Config)) *Station {
	t.Helper()
	config := DefaultConfig()
	config.Identity = "CS001"
	config.Endpoint = csms.endpoint()
	config.EVSEs = []EVSEConfig{
		{Power: 11000, Connectors: 1},
		{Power: 22000, Connectors: 1},
	}
	config.SampledDataCtrlr.TxUpdatedInterval = 1
	if mutate != nil {
		mutate(config)
	}
	s := New(config, nil)
	t.Cleanup(func() {
		if s.IsConnected() {
			s.Disconnect(context.Background())
		}
	})
	return s
}

func isoToken(id string) ocpp.IdToken {
	return ocpp.IdToken{IdToken: id, Type: ocpp.IdTokenTypeISO15693}
}

func (s *Station) evseState(evseID int) (authorized, started bool, transactionID string, seqNo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evse := s.evses[evseID-1]
	return evse.IsAuthorized(), evse.IsTransactionStarted(), evse.TransactionID(), evse.SeqNo()
}

func TestConnectBootAccepted(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.IsConnected())
	assert.Equal(t, 1, csms.calls(ocpp.ActionBootNotification))
	// 每个连接器一条状态通知
	assert.Equal(t, 2, csms.calls(ocpp.ActionStatusNotification))
}

func TestConnectBootPendingRetries(t *testing.T) {
	csms := newFakeCSMS(t)
	csms.bootQueue = []ocpp.RegistrationStatus{
		ocpp.RegistrationStatusPending,
		ocpp.RegistrationStatusPending,
		ocpp.RegistrationStatusAccepted,
	}
	s := newTestStation(t, csms, nil)

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.IsConnected())
	assert.Equal(t, 3, csms.calls(ocpp.ActionBootNotification))
}

func TestConnectBootRejected(t *testing.T) {
	csms := newFakeCSMS(t)
	csms.bootQueue = []ocpp.RegistrationStatus{ocpp.RegistrationStatusRejected}
	s := newTestStation(t, csms, nil)

	require.Error(t, s.Connect(context.Background()))
	assert.False(t, s.IsConnected())
}

func TestConnectAlreadyConnected(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)

	require.NoError(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyConnected)
}

func TestOperationsRequireConnection(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)

	token := isoToken("AA12345")
	assert.ErrorIs(t, s.Authorize(context.Background(), 1, token), ErrNotConnected)
	assert.ErrorIs(t, s.PluginConnector(context.Background(), 1, 1), ErrNotConnected)
	assert.ErrorIs(t, s.UnplugConnector(context.Background(), 1, 1), ErrNotConnected)
	assert.ErrorIs(t, s.Disconnect(context.Background()), ErrNotConnected)
}

func TestEVSERangeValidation(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	var rangeErr *EvseRangeError
	assert.ErrorAs(t, s.Authorize(context.Background(), 3, isoToken("AA12345")), &rangeErr)
	var connectorErr *ConnectorRangeError
	assert.ErrorAs(t, s.PluginConnector(context.Background(), 1, 2), &connectorErr)
}

func TestAuthorizeThenPlugStartsTransaction(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	token := isoToken("AA12345")
	require.NoError(t, s.Authorize(context.Background(), 1, token))
	authorized, started, _, _ := s.evseState(1)
	assert.True(t, authorized)
	assert.False(t, started, "transaction must not start before the cable is plugged in")

	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))
	_, started, transactionID, _ := s.evseState(1)
	assert.True(t, started)
	assert.NotEmpty(t, transactionID)

	events := csms.transactionEvents()
	require.Len(t, events, 1)
	assert.Equal(t, ocpp.TransactionEventStarted, events[0].EventType)
	assert.Equal(t, ocpp.TriggerReasonCablePluggedIn, events[0].TriggerReason)
	assert.Equal(t, 0, events[0].SeqNo)
	require.NotNil(t, events[0].IdToken)
	assert.Equal(t, token.IdToken, events[0].IdToken.IdToken)
}

func TestPlugThenAuthorizeStartsTransaction(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))
	assert.Empty(t, csms.transactionEvents(), "no transaction before authorization")

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	events := csms.transactionEvents()
	require.Len(t, events, 1)
	assert.Equal(t, ocpp.TransactionEventStarted, events[0].EventType)
	assert.Equal(t, ocpp.TriggerReasonAuthorized, events[0].TriggerReason)
}

func TestAuthorizeToggleRemovesAuthorization(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	token := isoToken("AA12345")
	require.NoError(t, s.Authorize(context.Background(), 1, token))
	require.NoError(t, s.Authorize(context.Background(), 1, token))

	authorized, started, _, _ := s.evseState(1)
	assert.False(t, authorized)
	assert.False(t, started)
	// 撤销前仍需远端确认凭证
	assert.Equal(t, 2, csms.calls(ocpp.ActionAuthorize))
}

func TestAuthorizeConflictRejected(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	err := s.Authorize(context.Background(), 1, isoToken("BB67890"))
	assert.ErrorIs(t, err, ErrAlreadyAuthorizedByOther)

	authorized, _, _, _ := s.evseState(1)
	assert.True(t, authorized, "existing authorization must survive the conflict")
}

func TestAuthorizeBusyTokenRejected(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	token := isoToken("AA12345")
	require.NoError(t, s.Authorize(context.Background(), 1, token))
	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))

	err := s.Authorize(context.Background(), 2, token)
	assert.ErrorIs(t, err, ErrTokenInTransaction)
}

func TestAuthorizeMovesIdleToken(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	token := isoToken("AA12345")
	require.NoError(t, s.Authorize(context.Background(), 1, token))
	require.NoError(t, s.Authorize(context.Background(), 2, token))

	authorized1, _, _, _ := s.evseState(1)
	authorized2, _, _, _ := s.evseState(2)
	assert.False(t, authorized1)
	assert.True(t, authorized2)
	// 换桩不产生第二次远端授权
	assert.Equal(t, 1, csms.calls(ocpp.ActionAuthorize))
}

func TestAuthorizeRejectedByCSMS(t *testing.T) {
	csms := newFakeCSMS(t)
	csms.authStatus = ocpp.AuthorizationStatusInvalid
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	err := s.Authorize(context.Background(), 1, isoToken("AA12345"))
	assert.ErrorIs(t, err, ErrIdentifierNotAccepted)
	authorized, _, _, _ := s.evseState(1)
	assert.False(t, authorized)
}

func TestStopAuthorizedEndsTransaction(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	token := isoToken("AA12345")
	require.NoError(t, s.Authorize(context.Background(), 1, token))
	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))
	require.NoError(t, s.Authorize(context.Background(), 1, token))

	authorized, started, _, seqNo := s.evseState(1)
	assert.False(t, authorized)
	assert.False(t, started)
	assert.Equal(t, 0, seqNo, "sequence number resets after the transaction ends")

	events := csms.transactionEvents()
	last := events[len(events)-1]
	assert.Equal(t, ocpp.TransactionEventEnded, last.EventType)
	assert.Equal(t, ocpp.TriggerReasonStopAuthorized, last.TriggerReason)
	assert.Equal(t, ocpp.StoppedReasonLocal, last.TransactionInfo.StoppedReason)
}

func TestUnplugEndsTransaction(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))
	require.NoError(t, s.UnplugConnector(context.Background(), 1, 1))

	events := csms.transactionEvents()
	last := events[len(events)-1]
	assert.Equal(t, ocpp.TransactionEventEnded, last.EventType)
	assert.Equal(t, ocpp.TriggerReasonEVCommunicationLost, last.TriggerReason)
	assert.Equal(t, ocpp.StoppedReasonEVDisconnected, last.TransactionInfo.StoppedReason)
	// 终止事件先于状态回落发出，因此事件里仍有被占用的连接器
	require.NotNil(t, last.Evse)
	assert.Equal(t, 1, last.Evse.ConnectorID)

	assert.ErrorIs(t, s.UnplugConnector(context.Background(), 1, 1), ErrAlreadyAvailable)
}

func TestSecondPlugOnSameEVSERejected(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, func(c *Config) {
		c.EVSEs = []EVSEConfig{{Power: 11000, Connectors: 2}}
	})
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))
	assert.ErrorIs(t, s.PluginConnector(context.Background(), 1, 2), ErrConnectorOccupied)
}

func TestPeriodicUpdatesIncrementSeqNo(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))

	assert.Eventually(t, func() bool {
		return len(csms.transactionEvents()) >= 3
	}, 5*time.Second, 100*time.Millisecond)

	events := csms.transactionEvents()
	for i, event := range events {
		assert.Equal(t, i, event.SeqNo, "sequence numbers advance by one per event")
		if i > 0 {
			assert.Equal(t, ocpp.TransactionEventUpdated, event.EventType)
			assert.Equal(t, ocpp.TriggerReasonMeterValuePeriodic, event.TriggerReason)
			assert.NotEmpty(t, event.MeterValue)
		}
	}
}

func TestConcurrentTxRejectionRollsBack(t *testing.T) {
	csms := newFakeCSMS(t)
	csms.startStatus = ocpp.AuthorizationStatusConcurrentTx
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	err := s.PluginConnector(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrConcurrentTransaction)

	_, started, _, seqNo := s.evseState(1)
	assert.False(t, started)
	assert.Equal(t, 0, seqNo, "rejected start must not consume a sequence number")
}

func TestRemoteStartBeforePlug(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	token := ocpp.IdToken{IdToken: "4567", Type: ocpp.IdTokenTypeCentral}
	resp := csms.requestStart(1, 4567, token)
	assert.Equal(t, ocpp.RemoteStartStopStatusAccepted, resp.Status)

	assert.Eventually(t, func() bool {
		authorized, _, _, _ := s.evseState(1)
		return authorized
	}, 2*time.Second, 10*time.Millisecond)
	_, started, _, _ := s.evseState(1)
	assert.False(t, started, "remote start waits for the cable")

	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))
	events := csms.transactionEvents()
	require.Len(t, events, 1)
	assert.Equal(t, ocpp.TriggerReasonRemoteStart, events[0].TriggerReason)
	assert.Equal(t, 4567, events[0].TransactionInfo.RemoteStartID)
}

func TestRemoteStartRejectedWhenAuthorized(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	resp := csms.requestStart(1, 4567, ocpp.IdToken{IdToken: "4567", Type: ocpp.IdTokenTypeCentral})
	assert.Equal(t, ocpp.RemoteStartStopStatusRejected, resp.Status)
}

func TestRemoteStopConsumedOnNextTick(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))
	_, _, transactionID, _ := s.evseState(1)

	resp := csms.requestStop(transactionID)
	assert.Equal(t, ocpp.RemoteStartStopStatusAccepted, resp.Status)

	assert.Eventually(t, func() bool {
		for _, event := range csms.transactionEvents() {
			if event.TriggerReason == ocpp.TriggerReasonRemoteStop {
				return true
			}
		}
		return false
	}, 5*time.Second, 100*time.Millisecond)

	events := csms.transactionEvents()
	last := events[len(events)-1]
	assert.Equal(t, ocpp.TransactionEventUpdated, last.EventType)
	assert.Equal(t, ocpp.ChargingStateEVConnected, last.TransactionInfo.ChargingState)

	// 交易保持进行中，拔枪时以远程原因终止
	_, started, _, _ := s.evseState(1)
	assert.True(t, started)
	require.NoError(t, s.UnplugConnector(context.Background(), 1, 1))
	events = csms.transactionEvents()
	last = events[len(events)-1]
	assert.Equal(t, ocpp.TransactionEventEnded, last.EventType)
	assert.Equal(t, ocpp.TriggerReasonRemoteStop, last.TriggerReason)
	assert.Equal(t, ocpp.StoppedReasonRemote, last.TransactionInfo.StoppedReason)
}

func TestRemoteStopUnknownTransactionRejected(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	resp := csms.requestStop("no-such-transaction")
	assert.Equal(t, ocpp.RemoteStartStopStatusRejected, resp.Status)
}

func TestEVConnectionTimeoutClearsAuthorization(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, func(c *Config) {
		c.TxCtrlr.EVConnectionTimeOut = 1
	})
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	assert.Eventually(t, func() bool {
		authorized, _, _, _ := s.evseState(1)
		return !authorized
	}, 3*time.Second, 50*time.Millisecond)

	// 超时后同一凭证可以重新授权
	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	authorized, _, _, _ := s.evseState(1)
	assert.True(t, authorized)
}

func TestDisconnectStopsRunningTransactions(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))
	require.NoError(t, s.PluginConnector(context.Background(), 1, 1))
	require.NoError(t, s.Disconnect(context.Background()))

	assert.False(t, s.IsConnected())
	events := csms.transactionEvents()
	last := events[len(events)-1]
	assert.Equal(t, ocpp.TransactionEventEnded, last.EventType)
	assert.Equal(t, ocpp.StoppedReasonEVDisconnected, last.TransactionInfo.StoppedReason)
}

func TestReconnectResendsStatusWithoutBoot(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))
	statusCalls := csms.calls(ocpp.ActionStatusNotification)

	// 模拟传输层断开：连接死亡但站点未执行Disconnect
	s.mu.Lock()
	s.conn.Close()
	s.mu.Unlock()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, csms.calls(ocpp.ActionBootNotification), "no second boot after a transport reconnect")
	assert.Equal(t, statusCalls*2, csms.calls(ocpp.ActionStatusNotification))
}

func TestNotificationsObserveAuthorization(t *testing.T) {
	csms := newFakeCSMS(t)
	s := newTestStation(t, csms, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Authorize(context.Background(), 1, isoToken("AA12345")))

	select {
	case n := <-s.Notifications():
		assert.Equal(t, NotificationAuthorizeChanged, n.Type)
		assert.Equal(t, 1, n.EvseID)
		assert.True(t, n.IsAuthorized)
	case <-time.After(time.Second):
		t.Fatal("expected an authorization notification")
	}
}
