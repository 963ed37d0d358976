package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
	"github.com/sparkplug/ocpp-session-engine/internal/metrics"
)

// ErrConnClosed 连接已关闭
var ErrConnClosed = fmt.Errorf("rpc: connection closed")

var validate = validator.New()

// UnmarshalPayload 严格模式解码：反序列化并按结构体标签校验载荷
func UnmarshalPayload(data json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return NewError(ErrorCodeFormationViolation, err.Error())
	}
	if err := validate.Struct(v); err != nil {
		return NewError(ErrorCodeFormationViolation, err.Error())
	}
	return nil
}

// Handler 处理对端发起的调用
// 返回值会作为CallResult载荷；返回*Error时回复对应的CallError帧
type Handler func(ctx context.Context, action ocpp.Action, payload json.RawMessage) (interface{}, error)

// Config 连接配置
type Config struct {
	// CallTimeout 单次调用等待响应的超时
	CallTimeout time.Duration `json:"call_timeout"`
	// WriteTimeout 单帧写超时
	WriteTimeout time.Duration `json:"write_timeout"`
	// SendQueueSize 发送队列容量
	SendQueueSize int `json:"send_queue_size"`
}

// DefaultConfig 默认连接配置
func DefaultConfig() *Config {
	return &Config{
		CallTimeout:   30 * time.Second,
		WriteTimeout:  10 * time.Second,
		SendQueueSize: 64,
	}
}

// Conn 在一条WebSocket连接上复用请求/响应的双工RPC通道
// 读协程负责匹配响应并派发入站调用，写协程串行化所有出站帧，
// 因此Call阻塞等待时入站消息仍然可以被处理
type Conn struct {
	identity string
	ws       *websocket.Conn
	config   *Config
	handler  Handler
	logger   *logger.Logger

	// 出站帧队列
	sendChan chan []byte

	// 在途调用: messageID -> 响应投递通道
	pending     map[string]chan *Frame
	pendingLock sync.Mutex

	// 生命周期管理
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewConn 包装一条已建立的WebSocket连接并启动读写协程
func NewConn(ws *websocket.Conn, identity string, handler Handler, config *Config, log *logger.Logger) *Conn {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		identity: identity,
		ws:       ws,
		config:   config,
		handler:  handler,
		logger:   log.WithStation(identity),
		sendChan: make(chan []byte, config.SendQueueSize),
		pending:  make(map[string]chan *Frame),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	return c
}

// Identity 返回对端身份标识
func (c *Conn) Identity() string {
	return c.identity
}

// Done 连接关闭时该通道被关闭
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// IsAlive 连接是否仍然可用
func (c *Conn) IsAlive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// Call 发起一次调用并阻塞等待配对的响应
// result为nil时丢弃响应载荷；对端返回CallError时返回*Error
func (c *Conn) Call(ctx context.Context, action ocpp.Action, payload interface{}, result interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", action, err)
	}

	frame := &Frame{
		Type:    MessageTypeCall,
		ID:      uuid.New().String(),
		Action:  action,
		Payload: data,
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", action, err)
	}

	respChan := make(chan *Frame, 1)
	c.pendingLock.Lock()
	c.pending[frame.ID] = respChan
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, frame.ID)
		c.pendingLock.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	start := time.Now()
	select {
	case c.sendChan <- raw:
		metrics.CallsSent.WithLabelValues(string(action)).Inc()
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-callCtx.Done():
		return fmt.Errorf("%s call not sent: %w", action, callCtx.Err())
	}

	select {
	case resp := <-respChan:
		metrics.CallRoundTripDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
		if resp.Type == MessageTypeCallError {
			return NewError(resp.ErrorCode, resp.ErrorDescription)
		}
		if result != nil {
			if err := json.Unmarshal(resp.Payload, result); err != nil {
				return fmt.Errorf("failed to unmarshal %s response: %w", action, err)
			}
		}
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-callCtx.Done():
		return fmt.Errorf("%s call timed out: %w", action, callCtx.Err())
	}
}

// Close 关闭连接并使所有在途调用失败
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close()
		c.wg.Wait()
	})
	return err
}

// readPump 读取入站帧：匹配响应帧，派发入站调用
func (c *Conn) readPump() {
	defer c.wg.Done()
	defer c.cancel()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.IsAlive() {
				c.logger.Debugf("Read loop terminated: %v", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warnf("Dropping malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case MessageTypeCall:
			// 派发到独立协程，确保阻塞中的Call仍能收到响应帧
			go c.dispatchCall(&frame)
		case MessageTypeCallResult, MessageTypeCallError:
			c.pendingLock.Lock()
			respChan, ok := c.pending[frame.ID]
			c.pendingLock.Unlock()
			if !ok {
				c.logger.Warnf("No pending call for message id %s", frame.ID)
				continue
			}
			respChan <- &frame
		}
	}
}

// dispatchCall 调用处理器并回复配对的结果帧
func (c *Conn) dispatchCall(frame *Frame) {
	metrics.CallsReceived.WithLabelValues(string(frame.Action)).Inc()

	reply := &Frame{ID: frame.ID}
	result, err := c.handler(c.ctx, frame.Action, frame.Payload)
	if err != nil {
		rpcErr, ok := err.(*Error)
		if !ok {
			rpcErr = NewError(ErrorCodeInternalError, err.Error())
		}
		reply.Type = MessageTypeCallError
		reply.ErrorCode = rpcErr.Code
		reply.ErrorDescription = rpcErr.Description
	} else {
		payload, err := json.Marshal(result)
		if err != nil {
			c.logger.Errorf("Failed to marshal %s result: %v", frame.Action, err)
			reply.Type = MessageTypeCallError
			reply.ErrorCode = ErrorCodeInternalError
			reply.ErrorDescription = "failed to marshal result"
		} else {
			reply.Type = MessageTypeCallResult
			reply.Payload = payload
		}
	}

	raw, err := json.Marshal(reply)
	if err != nil {
		c.logger.Errorf("Failed to marshal reply frame: %v", err)
		return
	}

	select {
	case c.sendChan <- raw:
	case <-c.ctx.Done():
	}
}

// writePump 串行化所有出站帧
func (c *Conn) writePump() {
	defer c.wg.Done()

	for {
		select {
		case data := <-c.sendChan:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugf("Write failed: %v", err)
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Ping 发送WebSocket层心跳探测帧
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
}
