package csms

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
)

// Caller 会话底层的RPC通道，由rpc.Conn实现
type Caller interface {
	Call(ctx context.Context, action ocpp.Action, payload interface{}, result interface{}) error
	Done() <-chan struct{}
	IsAlive() bool
	Ping() error
	Close() error
}

// Session 单个站点连接的会话状态
// idTokenToTransactionID的值为空串表示凭证已授权但交易尚未开始，
// 这是并发交易判定的依据
type Session struct {
	identity  string
	sessionID string
	conn      Caller

	mu                     sync.Mutex
	idTokenToTransactionID map[string]string
	evseIDToTransactionID  map[int]string
}

// NewSession 创建站点会话
func NewSession(identity string) *Session {
	return &Session{
		identity:               identity,
		sessionID:              uuid.New().String(),
		idTokenToTransactionID: make(map[string]string),
		evseIDToTransactionID:  make(map[int]string),
	}
}

// Identity 站点身份标识
func (s *Session) Identity() string {
	return s.identity
}

// SessionID 会话标识
func (s *Session) SessionID() string {
	return s.sessionID
}

// Attach 绑定底层连接，必须在会话参与调度前完成
func (s *Session) Attach(conn Caller) {
	s.conn = conn
}

// Conn 底层连接
func (s *Session) Conn() Caller {
	return s.conn
}

// ToggleAuthorization 凭证出示的开关语义
// 未登记的凭证登记为已授权并返回true；已登记的凭证被注销并返回false
func (s *Session) ToggleAuthorization(hashedIdToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idTokenToTransactionID[hashedIdToken]; ok {
		delete(s.idTokenToTransactionID, hashedIdToken)
		return false
	}
	s.idTokenToTransactionID[hashedIdToken] = ""
	return true
}

// PreAuthorize 远程启动前预登记凭证
func (s *Session) PreAuthorize(hashedIdToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idTokenToTransactionID[hashedIdToken] = ""
}

// RemoveAuthorization 注销凭证，用于远程启动被拒后的回滚
func (s *Session) RemoveAuthorization(hashedIdToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idTokenToTransactionID, hashedIdToken)
}

// StartTransaction 裁决Started交易事件
// 未登记的凭证为Unknown；已绑定其他交易的凭证为ConcurrentTx
func (s *Session) StartTransaction(hashedIdToken, transactionID string, evseID int) ocpp.AuthorizationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.idTokenToTransactionID[hashedIdToken]
	if !ok {
		return ocpp.AuthorizationStatusUnknown
	}
	if existing != "" {
		return ocpp.AuthorizationStatusConcurrentTx
	}
	s.idTokenToTransactionID[hashedIdToken] = transactionID
	if evseID != 0 {
		s.evseIDToTransactionID[evseID] = transactionID
	}
	return ocpp.AuthorizationStatusAccepted
}

// EndTransaction 裁决Ended交易事件，凭证与交易必须成对
func (s *Session) EndTransaction(hashedIdToken, transactionID string, evseID int) ocpp.AuthorizationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idTokenToTransactionID[hashedIdToken] != transactionID {
		return ocpp.AuthorizationStatusUnknown
	}
	delete(s.idTokenToTransactionID, hashedIdToken)
	if evseID != 0 {
		delete(s.evseIDToTransactionID, evseID)
	}
	return ocpp.AuthorizationStatusAccepted
}
