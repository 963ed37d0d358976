package csms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sparkplug/ocpp-session-engine/internal/config"
	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
	"github.com/sparkplug/ocpp-session-engine/internal/rpc"
)

// Server 站点接入服务器
// 在配置的路径下接受WebSocket升级，路径末段为站点身份标识
type Server struct {
	config      *config.ServerConfig
	callConfig  *rpc.Config
	coordinator *Coordinator
	logger      *logger.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建接入服务器
func NewServer(cfg *config.ServerConfig, callConfig *rpc.Config, coordinator *Coordinator, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      cfg,
		callConfig:  callConfig,
		coordinator: coordinator,
		logger:      log.WithComponent("csms_server"),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{ocpp.SubProtocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动HTTP监听与连接保活巡检
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path+"/", s.handleConnection)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go s.pingService()

	s.logger.Infof("CSMS server listening on %s%s", addr, s.config.Path)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("csms server failed: %w", err)
	}
	return nil
}

// Stop 优雅关闭：停止巡检、断开全部会话、关闭监听
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	for _, session := range s.coordinator.Sessions() {
		if session.Conn() != nil {
			session.Conn().Close()
		}
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// handleConnection 升级连接并登记会话
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimPrefix(r.URL.Path, s.config.Path+"/")
	s.logger.Infof("Connection request from station: %s", identity)
	if identity == "" || strings.Contains(identity, "/") {
		http.Error(w, "station identity required", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Failed to upgrade connection from %s: %v", identity, err)
		return
	}
	if ws.Subprotocol() != ocpp.SubProtocol {
		s.logger.Warnf("Station %s negotiated unsupported subprotocol %q", identity, ws.Subprotocol())
		ws.Close()
		return
	}

	session := NewSession(identity)
	conn := rpc.NewConn(ws, identity, func(ctx context.Context, action ocpp.Action, payload json.RawMessage) (interface{}, error) {
		return s.coordinator.Dispatch(ctx, session, action, payload)
	}, s.callConfig, s.logger)
	session.Attach(conn)
	s.coordinator.Register(session)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-conn.Done():
		case <-s.ctx.Done():
			conn.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.coordinator.OnDisconnect(ctx, session)
	}()
}

// pingService 周期性探测全部会话，失败的连接被关闭
func (s *Server) pingService() {
	defer s.wg.Done()

	interval := s.config.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, session := range s.coordinator.Sessions() {
				conn := session.Conn()
				if conn == nil {
					continue
				}
				if err := conn.Ping(); err != nil {
					s.logger.Warnf("Ping to station %s failed: %v", session.Identity(), err)
					conn.Close()
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}
