package ocpp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// IdToken 授权凭证
type IdToken struct {
	IdToken string      `json:"idToken" validate:"required,max=36"`
	Type    IdTokenType `json:"type" validate:"required"`
}

// Hash 返回凭证的SHA-256摘要（十六进制）
// 两端必须对同一凭证得到同一摘要，因此基于规范JSON编码计算
func (t IdToken) Hash() string {
	data, _ := json.Marshal(t)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IdTokenInfo 授权结果
type IdTokenInfo struct {
	Status AuthorizationStatus `json:"status" validate:"required"`
}

// ChargingStation 站点描述
type ChargingStation struct {
	VendorName string `json:"vendorName" validate:"required,max=50"`
	Model      string `json:"model" validate:"required,max=20"`
}

// BootNotificationRequest 启动通知请求
type BootNotificationRequest struct {
	Reason          BootReason      `json:"reason" validate:"required"`
	ChargingStation ChargingStation `json:"chargingStation" validate:"required"`
}

// BootNotificationResponse 启动通知响应
type BootNotificationResponse struct {
	Status      RegistrationStatus `json:"status" validate:"required"`
	CurrentTime string             `json:"currentTime" validate:"required"`
	Interval    int                `json:"interval" validate:"min=0"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct{}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	CurrentTime string `json:"currentTime" validate:"required"`
}

// StatusNotificationRequest 状态通知请求
type StatusNotificationRequest struct {
	Timestamp       string          `json:"timestamp" validate:"required"`
	ConnectorStatus ConnectorStatus `json:"connectorStatus" validate:"required"`
	EvseID          int             `json:"evseId" validate:"required,min=1"`
	ConnectorID     int             `json:"connectorId" validate:"required,min=1"`
}

// StatusNotificationResponse 状态通知响应
type StatusNotificationResponse struct{}

// AuthorizeRequest 授权请求
type AuthorizeRequest struct {
	IdToken IdToken `json:"idToken" validate:"required"`
}

// AuthorizeResponse 授权响应
type AuthorizeResponse struct {
	IdTokenInfo IdTokenInfo `json:"idTokenInfo" validate:"required"`
}

// EVSE 交易载荷中的EVSE定位
type EVSE struct {
	ID          int `json:"id" validate:"required,min=1"`
	ConnectorID int `json:"connectorId,omitempty"`
}

// TransactionInfo 交易信息
type TransactionInfo struct {
	TransactionID string        `json:"transactionId" validate:"required,max=36"`
	ChargingState ChargingState `json:"chargingState,omitempty"`
	StoppedReason StoppedReason `json:"stoppedReason,omitempty"`
	RemoteStartID int           `json:"remoteStartId,omitempty"`
}

// SampledValue 单个采样值
type SampledValue struct {
	Value     float64   `json:"value"`
	Measurand Measurand `json:"measurand,omitempty"`
}

// MeterValue 一组带时间戳的采样值
type MeterValue struct {
	Timestamp    string         `json:"timestamp" validate:"required"`
	SampledValue []SampledValue `json:"sampledValue" validate:"required,min=1"`
}

// TransactionEventRequest 交易事件请求
type TransactionEventRequest struct {
	EventType       TransactionEventType `json:"eventType" validate:"required"`
	Timestamp       string               `json:"timestamp" validate:"required"`
	TriggerReason   TriggerReason        `json:"triggerReason" validate:"required"`
	SeqNo           int                  `json:"seqNo" validate:"min=0"`
	TransactionInfo TransactionInfo      `json:"transactionInfo" validate:"required"`
	IdToken         *IdToken             `json:"idToken,omitempty"`
	Evse            *EVSE                `json:"evse,omitempty"`
	MeterValue      []MeterValue         `json:"meterValue,omitempty"`
}

// TransactionEventResponse 交易事件响应
type TransactionEventResponse struct {
	IdTokenInfo *IdTokenInfo `json:"idTokenInfo,omitempty"`
}

// RequestStartTransactionRequest 远程启动交易请求
type RequestStartTransactionRequest struct {
	EvseID        int     `json:"evseId" validate:"required,min=1"`
	RemoteStartID int     `json:"remoteStartId" validate:"required"`
	IdToken       IdToken `json:"idToken" validate:"required"`
}

// RequestStartTransactionResponse 远程启动交易响应
type RequestStartTransactionResponse struct {
	Status RemoteStartStopStatus `json:"status" validate:"required"`
}

// RequestStopTransactionRequest 远程停止交易请求
type RequestStopTransactionRequest struct {
	TransactionID string `json:"transactionId" validate:"required,max=36"`
}

// RequestStopTransactionResponse 远程停止交易响应
type RequestStopTransactionResponse struct {
	Status RemoteStartStopStatus `json:"status" validate:"required"`
}
