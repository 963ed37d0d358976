package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Source 事件来源
type Source string

const (
	// SourceStation 站点上报的协议事件
	SourceStation Source = "Station"
	// SourceCentral CSMS侧产生的事件
	SourceCentral Source = "Central"
)

// Event 统一业务事件接口
type Event interface {
	// GetID 获取事件ID
	GetID() string
	// GetStationID 获取站点标识
	GetStationID() string
	// GetSource 获取事件来源
	GetSource() Source
	// GetAction 获取触发事件的协议动作
	GetAction() string
	// GetTimestamp 获取事件时间戳
	GetTimestamp() time.Time
	// ToJSON 序列化为JSON
	ToJSON() ([]byte, error)
}

// StationEvent 追加写入事件日志的记录
type StationEvent struct {
	ID        string          `json:"id"`
	StationID string          `json:"station_id"`
	Source    Source          `json:"source"`
	Action    string          `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewStationEvent 创建站点事件记录
func NewStationEvent(stationID string, source Source, action string, payload interface{}) (*StationEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &StationEvent{
		ID:        uuid.New().String(),
		StationID: stationID,
		Source:    source,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// GetID 实现Event接口
func (e *StationEvent) GetID() string {
	return e.ID
}

// GetStationID 实现Event接口
func (e *StationEvent) GetStationID() string {
	return e.StationID
}

// GetSource 实现Event接口
func (e *StationEvent) GetSource() Source {
	return e.Source
}

// GetAction 实现Event接口
func (e *StationEvent) GetAction() string {
	return e.Action
}

// GetTimestamp 实现Event接口
func (e *StationEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// ToJSON 实现Event接口
func (e *StationEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
