package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
)

// MessageType OCPP-J消息帧类型
type MessageType int

const (
	// MessageTypeCall 请求帧
	MessageTypeCall MessageType = 2
	// MessageTypeCallResult 响应帧
	MessageTypeCallResult MessageType = 3
	// MessageTypeCallError 错误帧
	MessageTypeCallError MessageType = 4
)

// OCPP-J协议错误码
const (
	ErrorCodeNotImplemented     = "NotImplemented"
	ErrorCodeNotSupported       = "NotSupported"
	ErrorCodeInternalError      = "InternalError"
	ErrorCodeProtocolError      = "ProtocolError"
	ErrorCodeSecurityError      = "SecurityError"
	ErrorCodeFormationViolation = "FormationViolation"
	ErrorCodeGenericError       = "GenericError"
)

// Error 对端返回或本端产生的协议级错误
type Error struct {
	Code        string
	Description string
}

// Error 实现error接口
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError 创建协议错误
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Frame 单个OCPP-J消息帧
// 线上表示为JSON数组:
//
//	[2, "<id>", "<action>", {payload}]
//	[3, "<id>", {payload}]
//	[4, "<id>", "<code>", "<description>", {details}]
type Frame struct {
	Type             MessageType
	ID               string
	Action           ocpp.Action
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// MarshalJSON 实现json.Marshaler
func (f *Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case MessageTypeCall:
		payload := f.Payload
		if payload == nil {
			payload = json.RawMessage("{}")
		}
		return json.Marshal([]interface{}{int(f.Type), f.ID, f.Action, payload})
	case MessageTypeCallResult:
		payload := f.Payload
		if payload == nil {
			payload = json.RawMessage("{}")
		}
		return json.Marshal([]interface{}{int(f.Type), f.ID, payload})
	case MessageTypeCallError:
		details := f.ErrorDetails
		if details == nil {
			details = json.RawMessage("{}")
		}
		return json.Marshal([]interface{}{int(f.Type), f.ID, f.ErrorCode, f.ErrorDescription, details})
	default:
		return nil, fmt.Errorf("unknown message type: %d", f.Type)
	}
}

// UnmarshalJSON 实现json.Unmarshaler
func (f *Frame) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("message is not a JSON array: %w", err)
	}
	if len(parts) < 3 {
		return fmt.Errorf("message has %d elements, expected at least 3", len(parts))
	}

	var msgType int
	if err := json.Unmarshal(parts[0], &msgType); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}
	if err := json.Unmarshal(parts[1], &f.ID); err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	f.Type = MessageType(msgType)

	switch f.Type {
	case MessageTypeCall:
		if len(parts) != 4 {
			return fmt.Errorf("call frame has %d elements, expected 4", len(parts))
		}
		if err := json.Unmarshal(parts[2], &f.Action); err != nil {
			return fmt.Errorf("invalid action: %w", err)
		}
		f.Payload = parts[3]
	case MessageTypeCallResult:
		f.Payload = parts[2]
	case MessageTypeCallError:
		if len(parts) < 4 {
			return fmt.Errorf("call error frame has %d elements, expected at least 4", len(parts))
		}
		if err := json.Unmarshal(parts[2], &f.ErrorCode); err != nil {
			return fmt.Errorf("invalid error code: %w", err)
		}
		if err := json.Unmarshal(parts[3], &f.ErrorDescription); err != nil {
			return fmt.Errorf("invalid error description: %w", err)
		}
		if len(parts) > 4 {
			f.ErrorDetails = parts[4]
		}
	default:
		return fmt.Errorf("unknown message type: %d", msgType)
	}
	return nil
}
