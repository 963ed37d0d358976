package station

import (
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
)

// EVSE 站点下的单个供电单元，持有授权与交易状态
// 所有读写由所属Station的互斥锁串行化，自身不加锁
type EVSE struct {
	id         int
	power      float64
	connectors []*Connector
	state      ocpp.ConnectorStatus

	isAuthorized bool
	idToken      *ocpp.IdToken

	transactionID        string
	isTransactionStarted bool
	seqNo                int

	// 周期交易更新定时器，交易结束时必须停止
	updateTimer *time.Timer
}

// NewEVSE 创建处于Available状态的EVSE及其连接器
func NewEVSE(id int, power float64, connectorCount int) *EVSE {
	connectors := make([]*Connector, 0, connectorCount)
	for i := 1; i <= connectorCount; i++ {
		connectors = append(connectors, NewConnector(i))
	}
	return &EVSE{
		id:         id,
		power:      power,
		connectors: connectors,
		state:      ocpp.ConnectorStatusAvailable,
	}
}

// ID EVSE编号（站点内从1开始）
func (e *EVSE) ID() int {
	return e.id
}

// Power 额定功率（瓦）
func (e *EVSE) Power() float64 {
	return e.power
}

// Connectors 连接器列表
func (e *EVSE) Connectors() []*Connector {
	return e.connectors
}

// AvailabilityState 当前可用性状态
func (e *EVSE) AvailabilityState() ocpp.ConnectorStatus {
	return e.state
}

// SetAvailabilityState 设置可用性状态，拒绝非协议枚举值
func (e *EVSE) SetAvailabilityState(state ocpp.ConnectorStatus) error {
	if !state.IsValid() {
		return &InvalidStateError{State: string(state)}
	}
	e.state = state
	return nil
}

// IsAuthorized 是否已被凭证授权
func (e *EVSE) IsAuthorized() bool {
	return e.isAuthorized
}

// IsTransactionStarted 是否有进行中的交易
func (e *EVSE) IsTransactionStarted() bool {
	return e.isTransactionStarted
}

// TransactionID 进行中的交易标识，无交易时为空串
func (e *EVSE) TransactionID() string {
	return e.transactionID
}

// SeqNo 下一个交易事件序号
func (e *EVSE) SeqNo() int {
	return e.seqNo
}

// HashedIdToken 当前授权凭证的摘要，未授权时为空串
func (e *EVSE) HashedIdToken() string {
	if e.idToken == nil {
		return ""
	}
	return e.idToken.Hash()
}

// Authorized 记录授权凭证
func (e *EVSE) Authorized(idToken ocpp.IdToken) {
	e.isAuthorized = true
	e.idToken = &idToken
}

// Deauthorized 清除授权凭证
func (e *EVSE) Deauthorized() {
	e.isAuthorized = false
	e.idToken = nil
}

// OccupiedConnector 返回处于Occupied状态的连接器，不存在时返回nil
func (e *EVSE) OccupiedConnector() *Connector {
	for _, connector := range e.connectors {
		if connector.AvailabilityState() == ocpp.ConnectorStatusOccupied {
			return connector
		}
	}
	return nil
}

// StartTransactionRequest 构造Started交易事件请求并消耗一个序号
// 交易标识在此处铸造，由调用方在事件被接受后通过TransactionStarted落地
func (e *EVSE) StartTransactionRequest(triggerReason ocpp.TriggerReason, remoteStartID int, measurands []ocpp.Measurand) *ocpp.TransactionEventRequest {
	req := &ocpp.TransactionEventRequest{
		EventType:     ocpp.TransactionEventStarted,
		Timestamp:     ocpp.Now(),
		TriggerReason: triggerReason,
		SeqNo:         e.seqNo,
		TransactionInfo: ocpp.TransactionInfo{
			TransactionID: uuid.New().String(),
			ChargingState: ocpp.ChargingStateCharging,
			RemoteStartID: remoteStartID,
		},
		IdToken:    e.idToken,
		MeterValue: e.sampleMeterValue(measurands),
	}
	e.seqNo++
	if connector := e.OccupiedConnector(); connector != nil {
		req.Evse = &ocpp.EVSE{ID: e.id, ConnectorID: connector.ID()}
	}
	return req
}

// UpdateTransactionRequest 构造Updated交易事件请求并消耗一个序号
func (e *EVSE) UpdateTransactionRequest(triggerReason ocpp.TriggerReason, chargingState ocpp.ChargingState, measurands []ocpp.Measurand) *ocpp.TransactionEventRequest {
	req := &ocpp.TransactionEventRequest{
		EventType:     ocpp.TransactionEventUpdated,
		Timestamp:     ocpp.Now(),
		TriggerReason: triggerReason,
		SeqNo:         e.seqNo,
		TransactionInfo: ocpp.TransactionInfo{
			TransactionID: e.transactionID,
			ChargingState: chargingState,
		},
		MeterValue: e.sampleMeterValue(measurands),
	}
	e.seqNo++
	if connector := e.OccupiedConnector(); connector != nil {
		req.Evse = &ocpp.EVSE{ID: e.id, ConnectorID: connector.ID()}
	}
	return req
}

// StopTransactionRequest 构造Ended交易事件请求并消耗一个序号
// 必须在连接器状态回落之前调用，否则定位不到被占用的连接器
func (e *EVSE) StopTransactionRequest(triggerReason ocpp.TriggerReason, stoppedReason ocpp.StoppedReason) *ocpp.TransactionEventRequest {
	req := &ocpp.TransactionEventRequest{
		EventType:     ocpp.TransactionEventEnded,
		Timestamp:     ocpp.Now(),
		TriggerReason: triggerReason,
		SeqNo:         e.seqNo,
		TransactionInfo: ocpp.TransactionInfo{
			TransactionID: e.transactionID,
			ChargingState: ocpp.ChargingStateIdle,
			StoppedReason: stoppedReason,
		},
		IdToken: e.idToken,
	}
	e.seqNo++
	if connector := e.OccupiedConnector(); connector != nil {
		req.Evse = &ocpp.EVSE{ID: e.id, ConnectorID: connector.ID()}
	}
	return req
}

// TransactionStarted 交易事件被CSMS接受后落地交易标识
func (e *EVSE) TransactionStarted(transactionID string) {
	e.transactionID = transactionID
	e.isTransactionStarted = true
}

// TransactionUpdated 换入新的周期定时器，timer为nil时仅停止旧定时器
func (e *EVSE) TransactionUpdated(timer *time.Timer) {
	if e.updateTimer != nil {
		e.updateTimer.Stop()
	}
	e.updateTimer = timer
}

// TransactionStopped 清除交易与授权状态并停止周期定时器，序号归零
func (e *EVSE) TransactionStopped() {
	if e.updateTimer != nil {
		e.updateTimer.Stop()
		e.updateTimer = nil
	}
	e.isAuthorized = false
	e.idToken = nil
	e.transactionID = ""
	e.isTransactionStarted = false
	e.seqNo = 0
}

// RestoreSeqNo 回滚到调用前的事件序号，用于交易事件被拒绝时
func (e *EVSE) RestoreSeqNo(seqNo int) {
	e.seqNo = seqNo
}

// sampleMeterValue 在额定功率±10%范围内模拟一次采样
func (e *EVSE) sampleMeterValue(measurands []ocpp.Measurand) []ocpp.MeterValue {
	min := e.power - 0.1*e.power
	max := e.power + 0.1*e.power
	sampled := make([]ocpp.SampledValue, 0, len(measurands))
	for _, measurand := range measurands {
		sampled = append(sampled, ocpp.SampledValue{
			Measurand: measurand,
			Value:     math.Floor(rand.Float64()*(max-min+1)) + min,
		})
	}
	return []ocpp.MeterValue{
		{
			Timestamp:    ocpp.Now(),
			SampledValue: sampled,
		},
	}
}
