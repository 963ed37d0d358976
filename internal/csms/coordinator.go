package csms

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/events"
	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
	"github.com/sparkplug/ocpp-session-engine/internal/message"
	"github.com/sparkplug/ocpp-session-engine/internal/metrics"
	"github.com/sparkplug/ocpp-session-engine/internal/rpc"
	"github.com/sparkplug/ocpp-session-engine/internal/storage"
)

// StatusStore 连接器状态投影
type StatusStore interface {
	UpsertStatus(ctx context.Context, record storage.ConnectorStatusRecord) error
}

// CredentialRegistry RFID凭证注册表
type CredentialRegistry interface {
	GetUserByRFID(ctx context.Context, rfid string) (*storage.User, error)
}

// StationRegistry 站点EVSE元数据注册表
type StationRegistry interface {
	ListEVSEs(ctx context.Context, stationID string) ([]storage.EVSEMeta, error)
}

// EventSink 业务事件出口
type EventSink interface {
	PublishEvent(event events.Event) error
}

// Coordinator 站点会话协调器
// 持有全部活跃会话，裁决授权与交易事件，并将远程命令派发给对应站点
type Coordinator struct {
	bootInterval int
	statusStore  StatusStore
	credentials  CredentialRegistry
	stations     StationRegistry
	events       EventSink
	logger       *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewCoordinator 创建协调器
func NewCoordinator(bootInterval int, statusStore StatusStore, credentials CredentialRegistry, stations StationRegistry, events EventSink, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		bootInterval: bootInterval,
		statusStore:  statusStore,
		credentials:  credentials,
		stations:     stations,
		events:       events,
		logger:       log.WithComponent("coordinator"),
		sessions:     make(map[string]*Session),
	}
}

// Register 登记站点会话，同一身份的旧会话被关闭并替换
func (c *Coordinator) Register(session *Session) {
	c.mu.Lock()
	old := c.sessions[session.Identity()]
	c.sessions[session.Identity()] = session
	c.mu.Unlock()

	if old != nil && old.Conn() != nil {
		old.Conn().Close()
	} else {
		metrics.ConnectedStations.Inc()
	}
	c.logger.Infof("Connected with station: %s", session.Identity())
}

// Session 按身份查找活跃会话
func (c *Coordinator) Session(identity string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[identity]
}

// Sessions 活跃会话快照
func (c *Coordinator) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// OnDisconnect 站点断开时的清理
// 将站点全部连接器投影为Unavailable并追加一条中心侧状态事件
func (c *Coordinator) OnDisconnect(ctx context.Context, session *Session) {
	c.mu.Lock()
	if c.sessions[session.Identity()] != session {
		// 会话已被新连接替换，替换者负责自己的生命周期
		c.mu.Unlock()
		return
	}
	delete(c.sessions, session.Identity())
	c.mu.Unlock()
	metrics.ConnectedStations.Dec()

	identity := session.Identity()
	metas, err := c.stations.ListEVSEs(ctx, identity)
	if err != nil {
		c.logger.Errorf("Failed to list evses for station %s: %v", identity, err)
	}
	if len(metas) == 0 {
		c.logger.Warnf("Evses from station %s not found", identity)
	}
	timestamp := ocpp.Now()
	for _, meta := range metas {
		for connectorID := 1; connectorID <= meta.ConnectorCount(); connectorID++ {
			record := storage.ConnectorStatusRecord{
				StationID:   identity,
				EvseID:      meta.EvseID,
				ConnectorID: connectorID,
				Status:      ocpp.ConnectorStatusUnavailable,
				Timestamp:   timestamp,
				Latitude:    meta.Latitude,
				Longitude:   meta.Longitude,
			}
			if err := c.statusStore.UpsertStatus(ctx, record); err != nil {
				c.logger.Errorf("Failed to project unavailable status for %s evse %d: %v", identity, meta.EvseID, err)
			}
		}
	}

	c.recordEvent(identity, events.SourceCentral, ocpp.ActionStatusNotification, map[string]interface{}{
		"connectorStatus": ocpp.ConnectorStatusUnavailable,
		"timestamp":       timestamp,
	})
	c.logger.Infof("Disconnected with station: %s", identity)
}

// Dispatch 处理站点发起的调用并追加事件记录
func (c *Coordinator) Dispatch(ctx context.Context, session *Session, action ocpp.Action, payload json.RawMessage) (interface{}, error) {
	var response interface{}
	var err error

	switch action {
	case ocpp.ActionBootNotification:
		response, err = c.handleBootNotification(payload)
	case ocpp.ActionHeartbeat:
		response = ocpp.HeartbeatResponse{CurrentTime: ocpp.Now()}
	case ocpp.ActionStatusNotification:
		response, err = c.handleStatusNotification(ctx, session, payload)
	case ocpp.ActionAuthorize:
		response, err = c.handleAuthorize(ctx, session, payload)
	case ocpp.ActionTransactionEvent:
		response, err = c.handleTransactionEvent(session, payload)
	default:
		c.logger.Warnf("%s from %s is not implemented", action, session.Identity())
		return nil, rpc.NewError(rpc.ErrorCodeNotImplemented, string(action))
	}
	if err != nil {
		return nil, err
	}

	c.recordEvent(session.Identity(), events.SourceStation, action, payload)
	return response, nil
}

func (c *Coordinator) handleBootNotification(payload json.RawMessage) (interface{}, error) {
	var req ocpp.BootNotificationRequest
	if err := rpc.UnmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	return ocpp.BootNotificationResponse{
		Status:      ocpp.RegistrationStatusAccepted,
		CurrentTime: ocpp.Now(),
		Interval:    c.bootInterval,
	}, nil
}

func (c *Coordinator) handleStatusNotification(ctx context.Context, session *Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.StatusNotificationRequest
	if err := rpc.UnmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	record := storage.ConnectorStatusRecord{
		StationID:   session.Identity(),
		EvseID:      req.EvseID,
		ConnectorID: req.ConnectorID,
		Status:      req.ConnectorStatus,
		Timestamp:   req.Timestamp,
	}
	if err := c.statusStore.UpsertStatus(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to project status: %w", err)
	}
	return ocpp.StatusNotificationResponse{}, nil
}

// handleAuthorize 凭证授权
// RFID凭证查注册表并做开关式登记；其余凭证类型一律Unknown
func (c *Coordinator) handleAuthorize(ctx context.Context, session *Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.AuthorizeRequest
	if err := rpc.UnmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	if req.IdToken.Type != ocpp.IdTokenTypeISO15693 {
		return ocpp.AuthorizeResponse{IdTokenInfo: ocpp.IdTokenInfo{Status: ocpp.AuthorizationStatusUnknown}}, nil
	}

	user, err := c.credentials.GetUserByRFID(ctx, req.IdToken.IdToken)
	if err != nil {
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}
	if user == nil {
		return ocpp.AuthorizeResponse{IdTokenInfo: ocpp.IdTokenInfo{Status: ocpp.AuthorizationStatusInvalid}}, nil
	}

	session.ToggleAuthorization(req.IdToken.Hash())
	return ocpp.AuthorizeResponse{IdTokenInfo: ocpp.IdTokenInfo{Status: ocpp.AuthorizationStatusAccepted}}, nil
}

// handleTransactionEvent 交易事件裁决
// Started和Ended基于会话登记表裁决；Updated只做记录
func (c *Coordinator) handleTransactionEvent(session *Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.TransactionEventRequest
	if err := rpc.UnmarshalPayload(payload, &req); err != nil {
		return nil, err
	}
	metrics.TransactionEvents.WithLabelValues(string(req.EventType)).Inc()

	evseID := 0
	if req.Evse != nil {
		evseID = req.Evse.ID
	}

	switch req.EventType {
	case ocpp.TransactionEventStarted:
		status := ocpp.AuthorizationStatusUnknown
		if req.IdToken != nil {
			status = session.StartTransaction(req.IdToken.Hash(), req.TransactionInfo.TransactionID, evseID)
		}
		return ocpp.TransactionEventResponse{IdTokenInfo: &ocpp.IdTokenInfo{Status: status}}, nil
	case ocpp.TransactionEventEnded:
		status := ocpp.AuthorizationStatusUnknown
		if req.IdToken != nil {
			status = session.EndTransaction(req.IdToken.Hash(), req.TransactionInfo.TransactionID, evseID)
		}
		return ocpp.TransactionEventResponse{IdTokenInfo: &ocpp.IdTokenInfo{Status: status}}, nil
	default:
		return ocpp.TransactionEventResponse{}, nil
	}
}

// HandleCommand 处理运营侧下发的远程命令
func (c *Coordinator) HandleCommand(cmd *message.Command) {
	session := c.Session(cmd.StationID)
	if session == nil || session.Conn() == nil || !session.Conn().IsAlive() {
		c.logger.Warnf("Dropping %s command for offline station %s", cmd.Action, cmd.StationID)
		return
	}

	var err error
	switch cmd.Action {
	case ocpp.ActionRequestStartTransaction:
		err = c.requestStartTransaction(session, cmd.Payload)
	case ocpp.ActionRequestStopTransaction:
		err = c.requestStopTransaction(session, cmd.Payload)
	default:
		c.logger.Warnf("Unknown command %s for station %s", cmd.Action, cmd.StationID)
		return
	}
	if err != nil {
		c.logger.Errorf("Failed to execute %s for station %s: %v", cmd.Action, cmd.StationID, err)
	}
}

// requestStartTransaction 向站点下发远程启动
// 中心侧铸造Central凭证并预登记，站点拒绝时回滚登记
func (c *Coordinator) requestStartTransaction(session *Session, payload json.RawMessage) error {
	var params struct {
		EvseID int `json:"evseId"`
	}
	if err := json.Unmarshal(payload, &params); err != nil {
		return fmt.Errorf("invalid command payload: %w", err)
	}

	idToken := ocpp.IdToken{
		IdToken: uuid.New().String(),
		Type:    ocpp.IdTokenTypeCentral,
	}
	hashedIdToken := idToken.Hash()
	session.PreAuthorize(hashedIdToken)

	req := ocpp.RequestStartTransactionRequest{
		EvseID:        params.EvseID,
		RemoteStartID: 1000 + rand.Intn(9000),
		IdToken:       idToken,
	}
	var resp ocpp.RequestStartTransactionResponse
	if err := session.Conn().Call(context.Background(), ocpp.ActionRequestStartTransaction, req, &resp); err != nil {
		session.RemoveAuthorization(hashedIdToken)
		return err
	}

	c.recordEvent(session.Identity(), events.SourceCentral, ocpp.ActionRequestStartTransaction, resp)
	if resp.Status != ocpp.RemoteStartStopStatusAccepted {
		session.RemoveAuthorization(hashedIdToken)
	}
	return nil
}

// requestStopTransaction 向站点下发远程停止
func (c *Coordinator) requestStopTransaction(session *Session, payload json.RawMessage) error {
	var params struct {
		TransactionID string `json:"transactionId"`
	}
	if err := json.Unmarshal(payload, &params); err != nil {
		return fmt.Errorf("invalid command payload: %w", err)
	}

	var resp ocpp.RequestStopTransactionResponse
	if err := session.Conn().Call(context.Background(), ocpp.ActionRequestStopTransaction, ocpp.RequestStopTransactionRequest{
		TransactionID: params.TransactionID,
	}, &resp); err != nil {
		return err
	}

	c.recordEvent(session.Identity(), events.SourceCentral, ocpp.ActionRequestStopTransaction, resp)
	return nil
}

// recordEvent 追加事件记录，事件出口故障不阻断协议处理
func (c *Coordinator) recordEvent(stationID string, source events.Source, action ocpp.Action, payload interface{}) {
	event, err := events.NewStationEvent(stationID, source, string(action), payload)
	if err != nil {
		c.logger.Errorf("Failed to build %s event for station %s: %v", action, stationID, err)
		return
	}
	if err := c.events.PublishEvent(event); err != nil {
		c.logger.Errorf("Failed to publish %s event for station %s: %v", action, stationID, err)
	}
}
