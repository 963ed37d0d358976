package station

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
	"github.com/sparkplug/ocpp-session-engine/internal/rpc"
)

// OCPPCommCtrlr 通信控制器配置
type OCPPCommCtrlr struct {
	// HeartbeatInterval 心跳间隔（秒），启动通知被接受后由CSMS下发值覆盖
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// SecurityCtrlr 安全控制器配置
type SecurityCtrlr struct {
	BasicAuthPassword string `json:"basic_auth_password"`
	OrganizationName  string `json:"organization_name"`
}

// AuthCtrlr 授权控制器配置
type AuthCtrlr struct {
	Enabled               bool `json:"enabled"`
	AuthorizeRemoteStart  bool `json:"authorize_remote_start"`
	LocalAuthorizeOffline bool `json:"local_authorize_offline"`
}

// TxCtrlr 交易控制器配置
type TxCtrlr struct {
	// EVConnectionTimeOut 授权后等待插枪的超时（秒）
	EVConnectionTimeOut      int                     `json:"ev_connection_timeout"`
	StopTxOnEVSideDisconnect bool                    `json:"stop_tx_on_ev_side_disconnect"`
	TxStartPoint             []ocpp.TxStartStopPoint `json:"tx_start_point"`
	TxStopPoint              []ocpp.TxStartStopPoint `json:"tx_stop_point"`
}

// SampledDataCtrlr 采样控制器配置
type SampledDataCtrlr struct {
	// TxUpdatedInterval 周期交易更新间隔（秒）
	TxUpdatedInterval   int              `json:"tx_updated_interval"`
	TxStartedMeasurands []ocpp.Measurand `json:"tx_started_measurands"`
	TxUpdatedMeasurands []ocpp.Measurand `json:"tx_updated_measurands"`
	TxEndedMeasurands   []ocpp.Measurand `json:"tx_ended_measurands"`
}

// EVSEConfig 单个EVSE的初始配置
type EVSEConfig struct {
	Power      float64 `json:"power"`
	Connectors int     `json:"connectors"`
}

// Config 站点配置
type Config struct {
	Identity string       `json:"identity"`
	Model    string       `json:"model"`
	Endpoint string       `json:"endpoint"`
	EVSEs    []EVSEConfig `json:"evses"`

	OCPPCommCtrlr    OCPPCommCtrlr    `json:"ocpp_comm_ctrlr"`
	SecurityCtrlr    SecurityCtrlr    `json:"security_ctrlr"`
	AuthCtrlr        AuthCtrlr        `json:"auth_ctrlr"`
	TxCtrlr          TxCtrlr          `json:"tx_ctrlr"`
	SampledDataCtrlr SampledDataCtrlr `json:"sampled_data_ctrlr"`

	// BootRetryAttempts 启动通知处于Pending时的最大重试次数
	BootRetryAttempts int `json:"boot_retry_attempts"`

	// Call 底层RPC连接配置，nil时使用默认值
	Call *rpc.Config `json:"call"`
}

// DefaultConfig 默认站点配置
func DefaultConfig() *Config {
	return &Config{
		Model: "VirtualStation",
		OCPPCommCtrlr: OCPPCommCtrlr{
			HeartbeatInterval: 30,
		},
		SecurityCtrlr: SecurityCtrlr{
			OrganizationName: "SparkPlug",
		},
		AuthCtrlr: AuthCtrlr{
			Enabled:              true,
			AuthorizeRemoteStart: true,
		},
		TxCtrlr: TxCtrlr{
			EVConnectionTimeOut:      60,
			StopTxOnEVSideDisconnect: true,
			TxStartPoint:             []ocpp.TxStartStopPoint{ocpp.TxPointPowerPathClosed},
			TxStopPoint:              []ocpp.TxStartStopPoint{ocpp.TxPointPowerPathClosed},
		},
		SampledDataCtrlr: SampledDataCtrlr{
			TxUpdatedInterval:   3,
			TxStartedMeasurands: []ocpp.Measurand{ocpp.MeasurandEnergyActiveImportRegister},
			TxUpdatedMeasurands: []ocpp.Measurand{ocpp.MeasurandEnergyActiveImportRegister},
			TxEndedMeasurands:   []ocpp.Measurand{ocpp.MeasurandEnergyActiveImportRegister},
		},
		BootRetryAttempts: 15,
	}
}

// NotificationType 观察者事件类型
type NotificationType string

const (
	// NotificationAuthorizeChanged EVSE授权状态变化
	NotificationAuthorizeChanged NotificationType = "AuthorizeChanged"
	// NotificationMeterValueReport 交易事件携带的电表采样
	NotificationMeterValueReport NotificationType = "MeterValueReport"
)

// Notification 站点状态变化通知
type Notification struct {
	Type         NotificationType  `json:"type"`
	StationID    string            `json:"stationId"`
	EvseID       int               `json:"evseId"`
	IsAuthorized bool              `json:"isAuthorized"`
	MeterValue   []ocpp.MeterValue `json:"meterValue,omitempty"`
}

// remoteTransactionInfo 远程启停标记
// remoteStartID非零表示交易由远程命令发起；
// isStopped置位后由下一次周期交易更新消费
type remoteTransactionInfo struct {
	remoteStartID int
	isStopped     bool
}

// Station 模拟充电站聚合根
// 互斥锁串行化所有状态迁移：公开操作、CSMS入站命令与定时器回调
// 互不交叠；持锁期间的RPC调用保证单触发源的事件顺序
type Station struct {
	config *Config
	logger *logger.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	evses  []*EVSE
	conn   *rpc.Conn
	booted bool

	heartbeatInterval int
	heartbeatTimer    *time.Timer

	hashedIdTokenToEVSE map[string]*EVSE
	transactionIDToEVSE map[string]*EVSE
	remoteInfo          map[int]*remoteTransactionInfo
	connTimeouts        map[int]*time.Timer

	notifyCh chan Notification
}

// New 按配置创建站点及其EVSE
func New(config *Config, log *logger.Logger) *Station {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.Default()
	}

	evses := make([]*EVSE, 0, len(config.EVSEs))
	for i, ec := range config.EVSEs {
		evses = append(evses, NewEVSE(i+1, ec.Power, ec.Connectors))
	}

	return &Station{
		config: config,
		logger: log.WithStation(config.Identity),
		dialer: &websocket.Dialer{
			Subprotocols:     []string{ocpp.SubProtocol},
			HandshakeTimeout: 10 * time.Second,
		},
		evses:               evses,
		heartbeatInterval:   config.OCPPCommCtrlr.HeartbeatInterval,
		hashedIdTokenToEVSE: make(map[string]*EVSE),
		transactionIDToEVSE: make(map[string]*EVSE),
		remoteInfo:          make(map[int]*remoteTransactionInfo),
		connTimeouts:        make(map[int]*time.Timer),
		notifyCh:            make(chan Notification, 64),
	}
}

// ID 站点身份标识
func (s *Station) ID() string {
	return s.config.Identity
}

// Notifications 授权变化与电表采样的观察者通道
func (s *Station) Notifications() <-chan Notification {
	return s.notifyCh
}

// IsConnected 是否存在活跃的CSMS连接
func (s *Station) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isConnectedLocked()
}

func (s *Station) isConnectedLocked() bool {
	return s.conn != nil && s.conn.IsAlive()
}

// Connect 建立WebSocket连接并执行启动握手
// 首次连接发送启动通知，Pending时按CSMS下发的间隔重试；
// 传输层重连（未经过Disconnect）时跳过启动通知，仅重发状态快照
func (s *Station) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isConnectedLocked() {
		return ErrAlreadyConnected
	}

	endpoint := strings.TrimRight(s.config.Endpoint, "/") + "/" + s.config.Identity
	header := http.Header{}
	credentials := s.config.Identity + ":" + s.config.SecurityCtrlr.BasicAuthPassword
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))

	ws, _, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	s.conn = rpc.NewConn(ws, s.config.Identity, s.handleCall, s.config.Call, s.logger)

	if s.booted {
		return s.statusNotificationRequest(ctx)
	}

	attempts := s.config.BootRetryAttempts
	for {
		var resp ocpp.BootNotificationResponse
		err := s.conn.Call(ctx, ocpp.ActionBootNotification, ocpp.BootNotificationRequest{
			Reason: ocpp.BootReasonPowerUp,
			ChargingStation: ocpp.ChargingStation{
				VendorName: s.config.SecurityCtrlr.OrganizationName,
				Model:      s.config.Model,
			},
		}, &resp)
		if err != nil {
			s.closeLocked()
			return fmt.Errorf("boot notification failed: %w", err)
		}

		switch resp.Status {
		case ocpp.RegistrationStatusAccepted:
			s.booted = true
			if resp.Interval > 0 {
				s.heartbeatInterval = resp.Interval
			}
			s.logger.Infof("Server time: %s", resp.CurrentTime)
			return s.statusNotificationRequest(ctx)
		case ocpp.RegistrationStatusPending:
			attempts--
			if attempts <= 0 {
				s.closeLocked()
				return fmt.Errorf("boot notification still pending after %d attempts", s.config.BootRetryAttempts)
			}
			select {
			case <-time.After(time.Duration(resp.Interval) * time.Second):
			case <-ctx.Done():
				s.closeLocked()
				return ctx.Err()
			}
		default:
			s.closeLocked()
			return fmt.Errorf("boot notification rejected: %s", resp.Status)
		}
	}
}

// Disconnect 结束所有进行中的交易后关闭连接
// 交易以EVCommunicationLost/EVDisconnected终止
func (s *Station) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return ErrNotConnected
	}

	var firstErr error
	for _, evse := range s.evses {
		if err := s.stopTransaction(ctx, evse, ocpp.TriggerReasonEVCommunicationLost, ocpp.StoppedReasonEVDisconnected); err != nil {
			s.logger.Errorf("Failed to stop transaction on EVSE %d: %v", evse.ID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.closeLocked()
	s.booted = false
	s.logger.Info("Disconnected")
	return firstErr
}

// closeLocked 关闭连接并停止心跳定时器，调用方必须持锁
func (s *Station) closeLocked() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Authorize 用凭证请求授权或撤销授权
// 同一凭证在已授权的EVSE上再次出示为撤销；撤销时若交易进行中则先停止交易
func (s *Station) Authorize(ctx context.Context, evseID int, idToken ocpp.IdToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return ErrNotConnected
	}
	if err := s.validateEVSEID(evseID); err != nil {
		return err
	}
	evse := s.evses[evseID-1]

	hashedIdToken := idToken.Hash()
	authEvse := s.hashedIdTokenToEVSE[hashedIdToken]
	if (authEvse == nil || authEvse.ID() != evseID) && evse.IsAuthorized() {
		return ErrAlreadyAuthorizedByOther
	}
	if authEvse != nil && authEvse.ID() != evseID && authEvse.IsTransactionStarted() {
		return ErrTokenInTransaction
	}

	isNewAuth := authEvse == nil && !evse.IsAuthorized()
	isUpdateAuth := authEvse != nil &&
		authEvse.ID() != evseID &&
		!authEvse.IsTransactionStarted() &&
		!evse.IsAuthorized()
	isDeleteAuth := authEvse != nil && authEvse.ID() == evseID

	if isNewAuth || (isDeleteAuth && !evse.IsTransactionStarted()) {
		var resp ocpp.AuthorizeResponse
		if err := s.call(ctx, ocpp.ActionAuthorize, ocpp.AuthorizeRequest{IdToken: idToken}, &resp); err != nil {
			return err
		}
		if resp.IdTokenInfo.Status != ocpp.AuthorizationStatusAccepted {
			return ErrIdentifierNotAccepted
		}
		s.setConnectionTimeout(evse)
	}
	if isUpdateAuth {
		delete(s.hashedIdTokenToEVSE, authEvse.HashedIdToken())
		authEvse.Deauthorized()
		s.notifyAuthorizeChanged(authEvse)
	}
	if isNewAuth || isUpdateAuth {
		s.hashedIdTokenToEVSE[hashedIdToken] = evse
		evse.Authorized(idToken)
		s.notifyAuthorizeChanged(evse)
		return s.startTransaction(ctx, evse, ocpp.TriggerReasonAuthorized)
	}
	if isDeleteAuth {
		if evse.IsTransactionStarted() {
			return s.stopTransaction(ctx, evse, ocpp.TriggerReasonStopAuthorized, ocpp.StoppedReasonLocal)
		}
		delete(s.hashedIdTokenToEVSE, hashedIdToken)
		evse.Deauthorized()
		s.notifyAuthorizeChanged(evse)
	}
	return nil
}

// PluginConnector 插入连接器
// 同一EVSE同时只允许一个连接器被占用；状态通知发出后尝试启动交易
func (s *Station) PluginConnector(ctx context.Context, evseID, connectorID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return ErrNotConnected
	}
	if err := s.validateConnectorID(evseID, connectorID); err != nil {
		return err
	}
	evse := s.evses[evseID-1]
	for _, connector := range evse.Connectors() {
		if connector.AvailabilityState() == ocpp.ConnectorStatusOccupied {
			return ErrConnectorOccupied
		}
	}

	connector := evse.Connectors()[connectorID-1]
	evse.SetAvailabilityState(ocpp.ConnectorStatusOccupied)
	connector.SetAvailabilityState(ocpp.ConnectorStatusOccupied)
	if err := s.call(ctx, ocpp.ActionStatusNotification, ocpp.StatusNotificationRequest{
		Timestamp:       ocpp.Now(),
		ConnectorStatus: ocpp.ConnectorStatusOccupied,
		EvseID:          evseID,
		ConnectorID:     connectorID,
	}, nil); err != nil {
		return err
	}
	return s.startTransaction(ctx, evse, ocpp.TriggerReasonCablePluggedIn)
}

// UnplugConnector 拔出连接器
// 交易终止事件先于状态回落发出，保证事件中仍能定位被占用的连接器
func (s *Station) UnplugConnector(ctx context.Context, evseID, connectorID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return ErrNotConnected
	}
	if err := s.validateConnectorID(evseID, connectorID); err != nil {
		return err
	}
	evse := s.evses[evseID-1]
	connector := evse.Connectors()[connectorID-1]
	if connector.AvailabilityState() == ocpp.ConnectorStatusAvailable {
		return ErrAlreadyAvailable
	}

	if err := s.stopTransaction(ctx, evse, ocpp.TriggerReasonEVCommunicationLost, ocpp.StoppedReasonEVDisconnected); err != nil {
		return err
	}
	evse.SetAvailabilityState(ocpp.ConnectorStatusAvailable)
	connector.SetAvailabilityState(ocpp.ConnectorStatusAvailable)
	return s.call(ctx, ocpp.ActionStatusNotification, ocpp.StatusNotificationRequest{
		Timestamp:       ocpp.Now(),
		ConnectorStatus: ocpp.ConnectorStatusAvailable,
		EvseID:          evseID,
		ConnectorID:     connectorID,
	}, nil)
}

// handleCall 处理CSMS发起的入站命令
func (s *Station) handleCall(ctx context.Context, action ocpp.Action, payload json.RawMessage) (interface{}, error) {
	switch action {
	case ocpp.ActionRequestStartTransaction:
		var req ocpp.RequestStartTransactionRequest
		if err := rpc.UnmarshalPayload(payload, &req); err != nil {
			return nil, err
		}
		return s.handleRequestStart(&req), nil
	case ocpp.ActionRequestStopTransaction:
		var req ocpp.RequestStopTransactionRequest
		if err := rpc.UnmarshalPayload(payload, &req); err != nil {
			return nil, err
		}
		return s.handleRequestStop(&req), nil
	default:
		return nil, rpc.NewError(rpc.ErrorCodeNotImplemented, string(action))
	}
}

// handleRequestStart 受理远程启动命令
// 受理即回复Accepted，授权与交易启动在命令响应之后异步执行
func (s *Station) handleRequestStart(req *ocpp.RequestStartTransactionRequest) ocpp.RequestStartTransactionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateEVSEID(req.EvseID); err != nil {
		return ocpp.RequestStartTransactionResponse{Status: ocpp.RemoteStartStopStatusRejected}
	}
	evse := s.evses[req.EvseID-1]
	if evse.IsAuthorized() || evse.IsTransactionStarted() {
		return ocpp.RequestStartTransactionResponse{Status: ocpp.RemoteStartStopStatusRejected}
	}

	s.remoteInfo[req.EvseID] = &remoteTransactionInfo{
		remoteStartID: req.RemoteStartID,
	}
	s.setConnectionTimeout(evse)

	go s.remoteStartTransaction(req.EvseID, req.IdToken)
	return ocpp.RequestStartTransactionResponse{Status: ocpp.RemoteStartStopStatusAccepted}
}

// handleRequestStop 受理远程停止命令
// 仅置位停止标记，实际的交易更新由下一次周期采样消费该标记
func (s *Station) handleRequestStop(req *ocpp.RequestStopTransactionRequest) ocpp.RequestStopTransactionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	evse := s.transactionIDToEVSE[req.TransactionID]
	if evse == nil {
		return ocpp.RequestStopTransactionResponse{Status: ocpp.RemoteStartStopStatusRejected}
	}
	if info := s.remoteInfo[evse.ID()]; info != nil {
		info.isStopped = true
	}
	return ocpp.RequestStopTransactionResponse{Status: ocpp.RemoteStartStopStatusAccepted}
}

// remoteStartTransaction 远程启动命令的异步授权与交易启动
func (s *Station) remoteStartTransaction(evseID int, idToken ocpp.IdToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return
	}
	evse := s.evses[evseID-1]
	s.hashedIdTokenToEVSE[idToken.Hash()] = evse
	evse.Authorized(idToken)
	s.notifyAuthorizeChanged(evse)
	if err := s.startTransaction(context.Background(), evse, ocpp.TriggerReasonChargingStateChanged); err != nil {
		s.logger.Errorf("Remote start on EVSE %d failed: %v", evseID, err)
	}
}

// startTransaction 满足启动条件时发送Started交易事件
// 条件：启动点包含PowerPathClosed、授权开关关闭或EVSE已授权、EVSE处于Occupied
// 事件被拒绝时本地状态回滚到调用前
func (s *Station) startTransaction(ctx context.Context, evse *EVSE, triggerReason ocpp.TriggerReason) error {
	if !hasTxPoint(s.config.TxCtrlr.TxStartPoint, ocpp.TxPointPowerPathClosed) {
		return nil
	}
	if s.config.AuthCtrlr.Enabled && !evse.IsAuthorized() {
		return nil
	}
	if evse.AvailabilityState() != ocpp.ConnectorStatusOccupied {
		return nil
	}

	if timer := s.connTimeouts[evse.ID()]; timer != nil {
		timer.Stop()
		delete(s.connTimeouts, evse.ID())
	}

	var remoteStartID int
	createdRemoteInfo := false
	if info := s.remoteInfo[evse.ID()]; info != nil {
		remoteStartID = info.remoteStartID
	} else {
		s.remoteInfo[evse.ID()] = &remoteTransactionInfo{}
		createdRemoteInfo = true
	}
	if remoteStartID != 0 {
		triggerReason = ocpp.TriggerReasonRemoteStart
	}

	seqNo := evse.SeqNo()
	rollback := func() {
		evse.RestoreSeqNo(seqNo)
		if createdRemoteInfo {
			delete(s.remoteInfo, evse.ID())
		}
	}

	req := evse.StartTransactionRequest(triggerReason, remoteStartID, s.config.SampledDataCtrlr.TxStartedMeasurands)
	var resp ocpp.TransactionEventResponse
	if err := s.call(ctx, ocpp.ActionTransactionEvent, req, &resp); err != nil {
		rollback()
		return err
	}

	status := ocpp.AuthorizationStatusUnknown
	if resp.IdTokenInfo != nil {
		status = resp.IdTokenInfo.Status
	}
	if status == ocpp.AuthorizationStatusConcurrentTx {
		rollback()
		return ErrConcurrentTransaction
	}
	if status != ocpp.AuthorizationStatusAccepted {
		rollback()
		return ErrIdentifierNotAccepted
	}

	transactionID := req.TransactionInfo.TransactionID
	evse.TransactionStarted(transactionID)
	s.transactionIDToEVSE[transactionID] = evse
	evse.TransactionUpdated(s.scheduleTransactionUpdate(evse))
	s.notifyMeterValueReport(evse, req.MeterValue)
	s.logger.Infof("Transaction %s started on EVSE %d", transactionID, evse.ID())
	return nil
}

// scheduleTransactionUpdate 调度下一次周期交易更新
// 远程停止标记在到期回调中被消费：以RemoteStop/EVConnected发送本次更新
// 且不再续期；交易本身保持进行中，直到拔枪或撤销授权
func (s *Station) scheduleTransactionUpdate(evse *EVSE) *time.Timer {
	interval := time.Duration(s.config.SampledDataCtrlr.TxUpdatedInterval) * time.Second
	return time.AfterFunc(interval, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.isConnectedLocked() || !evse.IsTransactionStarted() {
			return
		}

		isStopped := false
		if info := s.remoteInfo[evse.ID()]; info != nil {
			isStopped = info.isStopped
		}
		triggerReason := ocpp.TriggerReasonMeterValuePeriodic
		var chargingState ocpp.ChargingState
		if isStopped {
			triggerReason = ocpp.TriggerReasonRemoteStop
			chargingState = ocpp.ChargingStateEVConnected
		}

		seqNo := evse.SeqNo()
		req := evse.UpdateTransactionRequest(triggerReason, chargingState, s.config.SampledDataCtrlr.TxUpdatedMeasurands)
		if err := s.call(context.Background(), ocpp.ActionTransactionEvent, req, nil); err != nil {
			evse.RestoreSeqNo(seqNo)
			s.logger.Errorf("Transaction update on EVSE %d failed: %v", evse.ID(), err)
			return
		}

		var next *time.Timer
		if !isStopped {
			next = s.scheduleTransactionUpdate(evse)
		}
		evse.TransactionUpdated(next)
		s.notifyMeterValueReport(evse, req.MeterValue)
	})
}

// stopTransaction 满足终止条件时发送Ended交易事件并清理交易状态
// 条件：启动点包含PowerPathClosed、交易进行中、由拔枪或撤销授权触发
// 远程停止标记已置位时改写为RemoteStop/Remote
func (s *Station) stopTransaction(ctx context.Context, evse *EVSE, triggerReason ocpp.TriggerReason, stoppedReason ocpp.StoppedReason) error {
	isUnplugged := s.config.TxCtrlr.StopTxOnEVSideDisconnect && triggerReason == ocpp.TriggerReasonEVCommunicationLost
	isDeauthorized := triggerReason == ocpp.TriggerReasonStopAuthorized
	if !hasTxPoint(s.config.TxCtrlr.TxStartPoint, ocpp.TxPointPowerPathClosed) ||
		!evse.IsTransactionStarted() ||
		(!isDeauthorized && !isUnplugged) {
		return nil
	}

	if info := s.remoteInfo[evse.ID()]; info != nil && info.isStopped {
		triggerReason = ocpp.TriggerReasonRemoteStop
		stoppedReason = ocpp.StoppedReasonRemote
	}

	seqNo := evse.SeqNo()
	req := evse.StopTransactionRequest(triggerReason, stoppedReason)
	var resp ocpp.TransactionEventResponse
	if err := s.call(ctx, ocpp.ActionTransactionEvent, req, &resp); err != nil {
		evse.RestoreSeqNo(seqNo)
		return err
	}
	if resp.IdTokenInfo == nil || resp.IdTokenInfo.Status != ocpp.AuthorizationStatusAccepted {
		evse.RestoreSeqNo(seqNo)
		return ErrIdentifierNotAccepted
	}

	transactionID := evse.TransactionID()
	delete(s.hashedIdTokenToEVSE, evse.HashedIdToken())
	delete(s.transactionIDToEVSE, transactionID)
	delete(s.remoteInfo, evse.ID())
	evse.TransactionStopped()
	s.notifyAuthorizeChanged(evse)
	s.logger.Infof("Transaction %s stopped on EVSE %d", transactionID, evse.ID())
	return nil
}

// setConnectionTimeout 重置授权后的插枪超时
// 超时回调撤销授权并丢弃远程启动标记；交易已启动时不生效
func (s *Station) setConnectionTimeout(evse *EVSE) {
	if timer := s.connTimeouts[evse.ID()]; timer != nil {
		timer.Stop()
	}
	timeout := time.Duration(s.config.TxCtrlr.EVConnectionTimeOut) * time.Second
	s.connTimeouts[evse.ID()] = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if evse.IsTransactionStarted() {
			return
		}
		delete(s.hashedIdTokenToEVSE, evse.HashedIdToken())
		delete(s.connTimeouts, evse.ID())
		delete(s.remoteInfo, evse.ID())
		if evse.IsAuthorized() {
			evse.Deauthorized()
			s.notifyAuthorizeChanged(evse)
			s.logger.Infof("EV connection timed out on EVSE %d", evse.ID())
		}
	})
}

// statusNotificationRequest 按连接器逐个上报EVSE当前状态
func (s *Station) statusNotificationRequest(ctx context.Context) error {
	for _, evse := range s.evses {
		for _, connector := range evse.Connectors() {
			if err := s.call(ctx, ocpp.ActionStatusNotification, ocpp.StatusNotificationRequest{
				Timestamp:       ocpp.Now(),
				ConnectorStatus: evse.AvailabilityState(),
				EvseID:          evse.ID(),
				ConnectorID:     connector.ID(),
			}, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// call 发起出站调用，每次调用都重置心跳定时器
func (s *Station) call(ctx context.Context, action ocpp.Action, payload interface{}, result interface{}) error {
	if !s.isConnectedLocked() {
		return ErrNotConnected
	}
	s.scheduleHeartbeat()
	return s.conn.Call(ctx, action, payload, result)
}

// scheduleHeartbeat 重置心跳定时器
// 到期发送的心跳本身经由call，因此成功的心跳会自动续期
func (s *Station) scheduleHeartbeat() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	interval := time.Duration(s.heartbeatInterval) * time.Second
	s.heartbeatTimer = time.AfterFunc(interval, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.isConnectedLocked() {
			return
		}
		var resp ocpp.HeartbeatResponse
		if err := s.call(context.Background(), ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, &resp); err != nil {
			s.logger.Errorf("Heartbeat failed: %v", err)
			return
		}
		s.logger.Infof("Server time: %s", resp.CurrentTime)
	})
}

func (s *Station) validateEVSEID(evseID int) error {
	if evseID < 1 || evseID > len(s.evses) {
		return &EvseRangeError{EvseID: evseID}
	}
	return nil
}

func (s *Station) validateConnectorID(evseID, connectorID int) error {
	if err := s.validateEVSEID(evseID); err != nil {
		return err
	}
	if connectorID < 1 || connectorID > len(s.evses[evseID-1].Connectors()) {
		return &ConnectorRangeError{EvseID: evseID, ConnectorID: connectorID}
	}
	return nil
}

func (s *Station) notifyAuthorizeChanged(evse *EVSE) {
	s.notify(Notification{
		Type:         NotificationAuthorizeChanged,
		StationID:    s.config.Identity,
		EvseID:       evse.ID(),
		IsAuthorized: evse.IsAuthorized(),
	})
}

func (s *Station) notifyMeterValueReport(evse *EVSE, meterValue []ocpp.MeterValue) {
	s.notify(Notification{
		Type:         NotificationMeterValueReport,
		StationID:    s.config.Identity,
		EvseID:       evse.ID(),
		IsAuthorized: evse.IsAuthorized(),
		MeterValue:   meterValue,
	})
}

// notify 非阻塞投递，观察者跟不上时丢弃
func (s *Station) notify(n Notification) {
	select {
	case s.notifyCh <- n:
	default:
	}
}

func hasTxPoint(points []ocpp.TxStartStopPoint, point ocpp.TxStartStopPoint) bool {
	for _, p := range points {
		if p == point {
			return true
		}
	}
	return false
}
