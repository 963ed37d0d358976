package station

import (
	"errors"
	"fmt"
)

// 连接生命周期错误
var (
	// ErrNotConnected 站点未连接到CSMS
	ErrNotConnected = errors.New("station is not connected")
	// ErrAlreadyConnected 站点已连接到CSMS
	ErrAlreadyConnected = errors.New("station is already connected")
)

// 状态冲突错误：请求的状态迁移在当前状态下不合法，状态不发生任何变化
var (
	// ErrAlreadyAuthorizedByOther EVSE已被其他凭证授权
	ErrAlreadyAuthorizedByOther = errors.New("already authorized by another identifier")
	// ErrTokenInTransaction 凭证正参与其他EVSE上的交易
	ErrTokenInTransaction = errors.New("identifier is participating in a transaction")
	// ErrConcurrentTransaction 同一凭证不允许并发交易
	ErrConcurrentTransaction = errors.New("multiple transactions are not allowed")
	// ErrAlreadyAvailable 连接器已处于Available状态
	ErrAlreadyAvailable = errors.New("connector is already available")
	// ErrConnectorOccupied EVSE上已有连接器被占用
	ErrConnectorOccupied = errors.New("a connector has been occupied")
)

// 协议拒绝错误：远端拒绝了授权或交易事件，本地状态回滚到调用前
var (
	// ErrIdentifierNotAccepted 凭证未被CSMS接受
	ErrIdentifierNotAccepted = errors.New("identifier is not accepted")
)

// EvseRangeError EVSE编号越界
type EvseRangeError struct {
	EvseID int
}

// Error 实现error接口
func (e *EvseRangeError) Error() string {
	return fmt.Sprintf("EVSE ID out of range: %d", e.EvseID)
}

// ConnectorRangeError 连接器编号越界
type ConnectorRangeError struct {
	EvseID      int
	ConnectorID int
}

// Error 实现error接口
func (e *ConnectorRangeError) Error() string {
	return fmt.Sprintf("connector ID out of range: %d (EVSE %d)", e.ConnectorID, e.EvseID)
}

// InvalidStateError 非协议枚举的可用性状态
type InvalidStateError struct {
	State string
}

// Error 实现error接口
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid availability state: %s", e.State)
}
