package ocpp

import (
	"time"
)

// Action OCPP动作类型
type Action string

const (
	// 站点发起的动作
	ActionBootNotification   Action = "BootNotification"
	ActionHeartbeat          Action = "Heartbeat"
	ActionStatusNotification Action = "StatusNotification"
	ActionAuthorize          Action = "Authorize"
	ActionTransactionEvent   Action = "TransactionEvent"

	// CSMS发起的动作
	ActionRequestStartTransaction Action = "RequestStartTransaction"
	ActionRequestStopTransaction  Action = "RequestStopTransaction"
)

// ConnectorStatus 连接器/EVSE可用性状态
type ConnectorStatus string

const (
	ConnectorStatusAvailable   ConnectorStatus = "Available"
	ConnectorStatusOccupied    ConnectorStatus = "Occupied"
	ConnectorStatusReserved    ConnectorStatus = "Reserved"
	ConnectorStatusUnavailable ConnectorStatus = "Unavailable"
	ConnectorStatusFaulted     ConnectorStatus = "Faulted"
)

// IsValid 校验状态是否为协议枚举值
func (s ConnectorStatus) IsValid() bool {
	switch s {
	case ConnectorStatusAvailable, ConnectorStatusOccupied, ConnectorStatusReserved,
		ConnectorStatusUnavailable, ConnectorStatusFaulted:
		return true
	}
	return false
}

// RegistrationStatus 注册状态
type RegistrationStatus string

const (
	RegistrationStatusAccepted RegistrationStatus = "Accepted"
	RegistrationStatusPending  RegistrationStatus = "Pending"
	RegistrationStatusRejected RegistrationStatus = "Rejected"
)

// AuthorizationStatus 授权状态
type AuthorizationStatus string

const (
	AuthorizationStatusAccepted     AuthorizationStatus = "Accepted"
	AuthorizationStatusRejected     AuthorizationStatus = "Rejected"
	AuthorizationStatusUnknown      AuthorizationStatus = "Unknown"
	AuthorizationStatusConcurrentTx AuthorizationStatus = "ConcurrentTx"
	AuthorizationStatusInvalid      AuthorizationStatus = "Invalid"
)

// TransactionEventType 交易事件类型
type TransactionEventType string

const (
	TransactionEventStarted TransactionEventType = "Started"
	TransactionEventUpdated TransactionEventType = "Updated"
	TransactionEventEnded   TransactionEventType = "Ended"
)

// TriggerReason 交易事件触发原因
type TriggerReason string

const (
	TriggerReasonAuthorized           TriggerReason = "Authorized"
	TriggerReasonCablePluggedIn       TriggerReason = "CablePluggedIn"
	TriggerReasonChargingStateChanged TriggerReason = "ChargingStateChanged"
	TriggerReasonEVCommunicationLost  TriggerReason = "EVCommunicationLost"
	TriggerReasonMeterValuePeriodic   TriggerReason = "MeterValuePeriodic"
	TriggerReasonRemoteStart          TriggerReason = "RemoteStart"
	TriggerReasonRemoteStop           TriggerReason = "RemoteStop"
	TriggerReasonStopAuthorized       TriggerReason = "StopAuthorized"
)

// StoppedReason 交易终止原因
type StoppedReason string

const (
	StoppedReasonEVDisconnected StoppedReason = "EVDisconnected"
	StoppedReasonLocal          StoppedReason = "Local"
	StoppedReasonRemote         StoppedReason = "Remote"
)

// ChargingState 充电状态
type ChargingState string

const (
	ChargingStateCharging    ChargingState = "Charging"
	ChargingStateEVConnected ChargingState = "EVConnected"
	ChargingStateIdle        ChargingState = "Idle"
)

// IdTokenType 凭证类型
type IdTokenType string

const (
	IdTokenTypeISO15693 IdTokenType = "ISO15693"
	IdTokenTypeCentral  IdTokenType = "Central"
)

// RemoteStartStopStatus 远程启停请求状态
type RemoteStartStopStatus string

const (
	RemoteStartStopStatusAccepted RemoteStartStopStatus = "Accepted"
	RemoteStartStopStatusRejected RemoteStartStopStatus = "Rejected"
)

// BootReason 启动原因
type BootReason string

const (
	BootReasonPowerUp BootReason = "PowerUp"
)

// Measurand 采样量纲
type Measurand string

const (
	MeasurandEnergyActiveImportRegister Measurand = "Energy.Active.Import.Register"
)

// TxStartStopPoint 交易启停触发点
type TxStartStopPoint string

const (
	TxPointPowerPathClosed TxStartStopPoint = "PowerPathClosed"
)

// SubProtocol 协商的WebSocket子协议
const SubProtocol = "ocpp2.0.1"

// Now 返回协议时间戳（ISO 8601 UTC）
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
