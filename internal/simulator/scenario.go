package simulator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sparkplug/ocpp-session-engine/internal/config"
	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
	"github.com/sparkplug/ocpp-session-engine/internal/station"
)

// ScenarioConfig 随机场景配置
type ScenarioConfig struct {
	// RFIDs 驾驶员凭证池，每次充电循环随机选取
	RFIDs []string `json:"rfids"`
	// MinChargeDuration 单次充电的最短持续时间
	MinChargeDuration time.Duration `json:"min_charge_duration"`
	// MaxChargeDuration 单次充电的最长持续时间
	MaxChargeDuration time.Duration `json:"max_charge_duration"`
	// IdleDuration 两次充电循环之间的间隔
	IdleDuration time.Duration `json:"idle_duration"`
}

// DefaultScenarioConfig 默认场景配置
func DefaultScenarioConfig() *ScenarioConfig {
	return &ScenarioConfig{
		RFIDs:             []string{"AA12345", "BB67890"},
		MinChargeDuration: 10 * time.Second,
		MaxChargeDuration: 30 * time.Second,
		IdleDuration:      5 * time.Second,
	}
}

// NewScenarioRunnerFromConfig 按应用配置构建场景执行器
// 场景未启用时返回nil；未设置的字段落回默认值
func NewScenarioRunnerFromConfig(cfg *config.Config, fleet *Fleet, log *logger.Logger) *ScenarioRunner {
	settings := cfg.Simulator.Scenario
	if !settings.Enabled {
		return nil
	}

	scenario := DefaultScenarioConfig()
	if len(settings.RFIDs) > 0 {
		scenario.RFIDs = settings.RFIDs
	}
	if settings.MinChargeDuration > 0 {
		scenario.MinChargeDuration = settings.MinChargeDuration
	}
	if settings.MaxChargeDuration > 0 {
		scenario.MaxChargeDuration = settings.MaxChargeDuration
	}
	if settings.IdleDuration > 0 {
		scenario.IdleDuration = settings.IdleDuration
	}
	return NewScenarioRunner(scenario, fleet, log)
}

// ScenarioRunner 为每个站点持续执行随机充电循环：
// 刷卡授权、插枪、充电一段时间、拔枪
type ScenarioRunner struct {
	config *ScenarioConfig
	fleet  *Fleet
	logger *logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScenarioRunner 创建场景执行器
func NewScenarioRunner(config *ScenarioConfig, fleet *Fleet, log *logger.Logger) *ScenarioRunner {
	if config == nil {
		config = DefaultScenarioConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	return &ScenarioRunner{
		config: config,
		fleet:  fleet,
		logger: log.WithComponent("scenario"),
	}
}

// Start 为每个站点启动独立的充电循环
func (r *ScenarioRunner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, s := range r.fleet.Stations() {
		r.wg.Add(1)
		go r.driveStation(ctx, s)
	}
	r.logger.Infof("Scenario runner started for %d stations", r.fleet.Size())
}

// Stop 停止全部充电循环并等待退出
func (r *ScenarioRunner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// driveStation 单站点的充电循环
func (r *ScenarioRunner) driveStation(ctx context.Context, s *station.Station) {
	defer r.wg.Done()

	for {
		if !sleep(ctx, r.config.IdleDuration) {
			return
		}
		if !s.IsConnected() {
			continue
		}
		r.runChargeCycle(ctx, s)
	}
}

// runChargeCycle 执行一次完整的充电循环，任一步骤失败则放弃本轮
func (r *ScenarioRunner) runChargeCycle(ctx context.Context, s *station.Station) {
	view := s.View()
	if len(view.EVSEs) == 0 {
		return
	}
	evse := view.EVSEs[rand.Intn(len(view.EVSEs))]
	if evse.AvailabilityState != ocpp.ConnectorStatusAvailable || len(evse.Connectors) == 0 {
		return
	}
	connectorID := evse.Connectors[rand.Intn(len(evse.Connectors))].ID
	rfid := r.config.RFIDs[rand.Intn(len(r.config.RFIDs))]

	idToken := ocpp.IdToken{IdToken: rfid, Type: ocpp.IdTokenTypeISO15693}
	if err := s.Authorize(ctx, evse.ID, idToken); err != nil {
		r.logger.Warnf("Station %s scan on evse %d rejected: %v", s.ID(), evse.ID, err)
		return
	}
	if err := s.PluginConnector(ctx, evse.ID, connectorID); err != nil {
		r.logger.Warnf("Station %s plug on evse %d failed: %v", s.ID(), evse.ID, err)
		return
	}

	duration := r.config.MinChargeDuration
	if spread := r.config.MaxChargeDuration - r.config.MinChargeDuration; spread > 0 {
		duration += time.Duration(rand.Int63n(int64(spread)))
	}
	r.logger.Infof("Station %s charging on evse %d for %s", s.ID(), evse.ID, duration)
	if !sleep(ctx, duration) {
		return
	}

	if err := s.UnplugConnector(ctx, evse.ID, connectorID); err != nil {
		r.logger.Warnf("Station %s unplug on evse %d failed: %v", s.ID(), evse.ID, err)
	}
}

// sleep 可取消的等待，返回false表示上下文已取消
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
