package station

import (
	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
)

// Connector EVSE下的单个物理连接器
// 状态变更由所属Station串行驱动，自身不加锁
type Connector struct {
	id    int
	state ocpp.ConnectorStatus
}

// NewConnector 创建处于Available状态的连接器
func NewConnector(id int) *Connector {
	return &Connector{
		id:    id,
		state: ocpp.ConnectorStatusAvailable,
	}
}

// ID 连接器编号（EVSE内从1开始）
func (c *Connector) ID() int {
	return c.id
}

// AvailabilityState 当前可用性状态
func (c *Connector) AvailabilityState() ocpp.ConnectorStatus {
	return c.state
}

// SetAvailabilityState 设置可用性状态，拒绝非协议枚举值
func (c *Connector) SetAvailabilityState(state ocpp.ConnectorStatus) error {
	if !state.IsValid() {
		return &InvalidStateError{State: string(state)}
	}
	c.state = state
	return nil
}
