package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Station   StationConfig   `mapstructure:"station"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	OCPP      OCPPConfig      `mapstructure:"ocpp"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// ServerConfig CSMS 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Path         string        `mapstructure:"path"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// StationConfig 模拟站点连接配置
type StationConfig struct {
	CSMSEndpoint string `mapstructure:"csms_endpoint"`
	ControlAddr  string `mapstructure:"control_addr"`
}

// RedisConfig Redis 配置（站点状态投影存储）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig Postgres 配置（RFID 凭证与站点元数据）
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	EventTopic    string   `mapstructure:"event_topic"`
	CommandTopic  string   `mapstructure:"command_topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig 监控指标配置
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// OCPPConfig OCPP 控制器默认值
type OCPPConfig struct {
	BootInterval          int           `mapstructure:"boot_interval"`            // BootNotification 响应下发的心跳间隔（秒）
	CallTimeout           time.Duration `mapstructure:"call_timeout"`             // 单次 RPC 调用超时
	TxUpdatedInterval     int           `mapstructure:"tx_updated_interval"`      // 周期电表上报间隔（秒）
	EVConnectionTimeout   int           `mapstructure:"ev_connection_timeout"`    // 授权后等待插枪的超时（秒）
	AuthEnabled           bool          `mapstructure:"auth_enabled"`             // 是否要求本地授权
	StopTxOnEVDisconnect  bool          `mapstructure:"stop_tx_on_ev_disconnect"` // 拔枪是否终止交易
	LocalAuthorizeOffline bool          `mapstructure:"local_authorize_offline"`
}

// SimulatorConfig 模拟车队配置
type SimulatorConfig struct {
	Stations []SimulatedStation `mapstructure:"stations"`
	Scenario ScenarioConfig     `mapstructure:"scenario"`
}

// ScenarioConfig 随机充电场景配置
type ScenarioConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RFIDs             []string      `mapstructure:"rfids"`
	MinChargeDuration time.Duration `mapstructure:"min_charge_duration"`
	MaxChargeDuration time.Duration `mapstructure:"max_charge_duration"`
	IdleDuration      time.Duration `mapstructure:"idle_duration"`
}

// SimulatedStation 单个模拟站点定义
type SimulatedStation struct {
	Identity string          `mapstructure:"identity"`
	Model    string          `mapstructure:"model"`
	Password string          `mapstructure:"password"`
	EVSEs    []SimulatedEVSE `mapstructure:"evses"`
}

// SimulatedEVSE 单个模拟 EVSE 定义
type SimulatedEVSE struct {
	Power      float64 `mapstructure:"power"`
	Connectors int     `mapstructure:"connectors"`
}

// Load 加载配置
func Load() (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("ENGINE")
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8180)
	viper.SetDefault("server.path", "/ocpp")
	viper.SetDefault("server.read_timeout", 60*time.Second)
	viper.SetDefault("server.write_timeout", 10*time.Second)
	viper.SetDefault("server.ping_interval", 30*time.Second)

	viper.SetDefault("station.csms_endpoint", "ws://localhost:8180/ocpp")
	viper.SetDefault("station.control_addr", ":8181")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("postgres.dsn", "postgres://localhost:5432/sparkplug")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.event_topic", "station-events")
	viper.SetDefault("kafka.command_topic", "station-commands")
	viper.SetDefault("kafka.consumer_group", "csms-engine")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.output", "stdout")

	viper.SetDefault("metrics.addr", ":9090")

	viper.SetDefault("simulator.scenario.enabled", false)
	viper.SetDefault("simulator.scenario.rfids", []string{"AA12345", "BB67890"})
	viper.SetDefault("simulator.scenario.min_charge_duration", 10*time.Second)
	viper.SetDefault("simulator.scenario.max_charge_duration", 30*time.Second)
	viper.SetDefault("simulator.scenario.idle_duration", 5*time.Second)

	viper.SetDefault("ocpp.boot_interval", 300)
	viper.SetDefault("ocpp.call_timeout", 30*time.Second)
	viper.SetDefault("ocpp.tx_updated_interval", 3)
	viper.SetDefault("ocpp.ev_connection_timeout", 60)
	viper.SetDefault("ocpp.auth_enabled", true)
	viper.SetDefault("ocpp.stop_tx_on_ev_disconnect", true)
	viper.SetDefault("ocpp.local_authorize_offline", false)
}

// GetServerAddr 获取 CSMS 服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetMetricsAddr 获取监控地址
func (c *Config) GetMetricsAddr() string {
	return c.Metrics.Addr
}
