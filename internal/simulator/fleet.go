package simulator

import (
	"context"
	"fmt"
	"sort"

	"github.com/sparkplug/ocpp-session-engine/internal/config"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
	"github.com/sparkplug/ocpp-session-engine/internal/station"
)

// Fleet 模拟站点车队
// 按配置实例化全部站点，供控制接口与场景执行器共享
type Fleet struct {
	logger   *logger.Logger
	stations map[string]*station.Station
	order    []string
}

// NewFleet 按配置构建车队
func NewFleet(cfg *config.Config, log *logger.Logger) (*Fleet, error) {
	if log == nil {
		log = logger.Default()
	}
	fleet := &Fleet{
		logger:   log.WithComponent("fleet"),
		stations: make(map[string]*station.Station),
	}

	for _, sim := range cfg.Simulator.Stations {
		if sim.Identity == "" {
			return nil, fmt.Errorf("simulated station requires an identity")
		}
		if _, exists := fleet.stations[sim.Identity]; exists {
			return nil, fmt.Errorf("duplicate station identity: %s", sim.Identity)
		}

		stationCfg := station.DefaultConfig()
		stationCfg.Identity = sim.Identity
		if sim.Model != "" {
			stationCfg.Model = sim.Model
		}
		stationCfg.Endpoint = cfg.Station.CSMSEndpoint
		stationCfg.SecurityCtrlr.BasicAuthPassword = sim.Password
		for _, evse := range sim.EVSEs {
			stationCfg.EVSEs = append(stationCfg.EVSEs, station.EVSEConfig{
				Power:      evse.Power,
				Connectors: evse.Connectors,
			})
		}
		if len(stationCfg.EVSEs) == 0 {
			stationCfg.EVSEs = []station.EVSEConfig{{Power: 11000, Connectors: 1}}
		}

		stationCfg.AuthCtrlr.Enabled = cfg.OCPP.AuthEnabled
		stationCfg.AuthCtrlr.LocalAuthorizeOffline = cfg.OCPP.LocalAuthorizeOffline
		stationCfg.TxCtrlr.StopTxOnEVSideDisconnect = cfg.OCPP.StopTxOnEVDisconnect
		if cfg.OCPP.EVConnectionTimeout > 0 {
			stationCfg.TxCtrlr.EVConnectionTimeOut = cfg.OCPP.EVConnectionTimeout
		}
		if cfg.OCPP.TxUpdatedInterval > 0 {
			stationCfg.SampledDataCtrlr.TxUpdatedInterval = cfg.OCPP.TxUpdatedInterval
		}

		fleet.stations[sim.Identity] = station.New(stationCfg, log)
		fleet.order = append(fleet.order, sim.Identity)
	}
	sort.Strings(fleet.order)

	fleet.logger.Infof("Fleet initialized with %d stations", len(fleet.stations))
	return fleet, nil
}

// Station 按身份标识查找站点，不存在时返回nil
func (f *Fleet) Station(identity string) *station.Station {
	return f.stations[identity]
}

// Stations 按身份标识排序返回全部站点
func (f *Fleet) Stations() []*station.Station {
	result := make([]*station.Station, 0, len(f.order))
	for _, identity := range f.order {
		result = append(result, f.stations[identity])
	}
	return result
}

// Size 车队规模
func (f *Fleet) Size() int {
	return len(f.stations)
}

// ConnectAll 连接全部站点，单站失败不阻断其余站点
func (f *Fleet) ConnectAll(ctx context.Context) error {
	var firstErr error
	for _, s := range f.Stations() {
		if err := s.Connect(ctx); err != nil {
			f.logger.Errorf("Station %s failed to connect: %v", s.ID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DisconnectAll 断开全部站点
func (f *Fleet) DisconnectAll(ctx context.Context) error {
	var firstErr error
	for _, s := range f.Stations() {
		if !s.IsConnected() {
			continue
		}
		if err := s.Disconnect(ctx); err != nil {
			f.logger.Errorf("Station %s failed to disconnect: %v", s.ID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// WatchNotifications 消费全部站点的状态通知并写入日志
// 在后台持续运行直到上下文取消
func (f *Fleet) WatchNotifications(ctx context.Context) {
	for _, s := range f.Stations() {
		go func(s *station.Station) {
			for {
				select {
				case notification := <-s.Notifications():
					f.logger.Debugf("Station %s evse %d notification: %s (authorized=%v)",
						notification.StationID, notification.EvseID, notification.Type, notification.IsAuthorized)
				case <-ctx.Done():
					return
				}
			}
		}(s)
	}
}
