package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
	"github.com/sparkplug/ocpp-session-engine/internal/station"
)

// ControlServer 车队控制HTTP接口
// 暴露站点连接管理与车辆侧动作（刷卡、插枪、拔枪）
type ControlServer struct {
	fleet      *Fleet
	logger     *logger.Logger
	httpServer *http.Server
}

// NewControlServer 创建控制接口服务
func NewControlServer(fleet *Fleet, log *logger.Logger) *ControlServer {
	if log == nil {
		log = logger.Default()
	}
	return &ControlServer{
		fleet:  fleet,
		logger: log.WithComponent("control_api"),
	}
}

// Router 构建路由
func (cs *ControlServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/stations", func(r chi.Router) {
		r.Get("/", cs.handleListStations)
		r.Route("/{stationID}", func(r chi.Router) {
			r.Get("/", cs.handleGetStation)
			r.Post("/connect", cs.handleConnect)
			r.Post("/disconnect", cs.handleDisconnect)
			r.Route("/evses/{evseID}", func(r chi.Router) {
				r.Post("/scan", cs.handleScan)
				r.Route("/connectors/{connectorID}", func(r chi.Router) {
					r.Post("/plug", cs.handlePlug)
					r.Post("/unplug", cs.handleUnplug)
				})
			})
		})
	})
	return r
}

// Start 启动HTTP监听
func (cs *ControlServer) Start(addr string) error {
	cs.httpServer = &http.Server{
		Addr:         addr,
		Handler:      cs.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	cs.logger.Infof("Control API listening on %s", addr)
	if err := cs.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control api failed: %w", err)
	}
	return nil
}

// Stop 关闭HTTP监听
func (cs *ControlServer) Stop(ctx context.Context) error {
	if cs.httpServer == nil {
		return nil
	}
	return cs.httpServer.Shutdown(ctx)
}

func (cs *ControlServer) handleListStations(w http.ResponseWriter, r *http.Request) {
	views := make([]station.View, 0, cs.fleet.Size())
	for _, s := range cs.fleet.Stations() {
		views = append(views, s.View())
	}
	writeJSON(w, http.StatusOK, views)
}

func (cs *ControlServer) handleGetStation(w http.ResponseWriter, r *http.Request) {
	s := cs.station(w, r)
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (cs *ControlServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	s := cs.station(w, r)
	if s == nil {
		return
	}
	if err := s.Connect(r.Context()); err != nil {
		cs.writeActionError(w, s.ID(), "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (cs *ControlServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s := cs.station(w, r)
	if s == nil {
		return
	}
	if err := s.Disconnect(r.Context()); err != nil {
		cs.writeActionError(w, s.ID(), "disconnect", err)
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

// scanRequest 刷卡请求体
type scanRequest struct {
	RFID string `json:"rfid"`
}

func (cs *ControlServer) handleScan(w http.ResponseWriter, r *http.Request) {
	s := cs.station(w, r)
	if s == nil {
		return
	}
	evseID, ok := intParam(w, r, "evseID")
	if !ok {
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RFID == "" {
		writeError(w, http.StatusBadRequest, "rfid is required")
		return
	}

	err := s.Authorize(r.Context(), evseID, ocpp.IdToken{
		IdToken: req.RFID,
		Type:    ocpp.IdTokenTypeISO15693,
	})
	if err != nil {
		cs.writeActionError(w, s.ID(), "scan", err)
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (cs *ControlServer) handlePlug(w http.ResponseWriter, r *http.Request) {
	s := cs.station(w, r)
	if s == nil {
		return
	}
	evseID, ok := intParam(w, r, "evseID")
	if !ok {
		return
	}
	connectorID, ok := intParam(w, r, "connectorID")
	if !ok {
		return
	}
	if err := s.PluginConnector(r.Context(), evseID, connectorID); err != nil {
		cs.writeActionError(w, s.ID(), "plug", err)
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (cs *ControlServer) handleUnplug(w http.ResponseWriter, r *http.Request) {
	s := cs.station(w, r)
	if s == nil {
		return
	}
	evseID, ok := intParam(w, r, "evseID")
	if !ok {
		return
	}
	connectorID, ok := intParam(w, r, "connectorID")
	if !ok {
		return
	}
	if err := s.UnplugConnector(r.Context(), evseID, connectorID); err != nil {
		cs.writeActionError(w, s.ID(), "unplug", err)
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

// station 解析路径中的站点标识，未找到时写入404响应
func (cs *ControlServer) station(w http.ResponseWriter, r *http.Request) *station.Station {
	identity := chi.URLParam(r, "stationID")
	s := cs.fleet.Station(identity)
	if s == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown station: %s", identity))
		return nil
	}
	return s
}

// writeActionError 将站点层错误映射为HTTP状态码
func (cs *ControlServer) writeActionError(w http.ResponseWriter, identity, action string, err error) {
	cs.logger.Warnf("Station %s %s failed: %v", identity, action, err)

	var evseRange *station.EvseRangeError
	var connectorRange *station.ConnectorRangeError
	switch {
	case errors.As(err, &evseRange), errors.As(err, &connectorRange):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, station.ErrNotConnected),
		errors.Is(err, station.ErrAlreadyConnected),
		errors.Is(err, station.ErrAlreadyAuthorizedByOther),
		errors.Is(err, station.ErrTokenInTransaction),
		errors.Is(err, station.ErrConcurrentTransaction),
		errors.Is(err, station.ErrAlreadyAvailable),
		errors.Is(err, station.ErrConnectorOccupied):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, station.ErrIdentifierNotAccepted):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	value, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return value, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
