package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger 日志管理器
type Logger struct {
	logger zerolog.Logger
	config *Config
}

// Config 日志配置
type Config struct {
	Level      string `json:"level"`      // 日志级别: debug, info, warn, error
	Format     string `json:"format"`     // 输出格式: console, json
	Output     string `json:"output"`     // 输出目标: stdout, stderr, file path
	TimeFormat string `json:"timeFormat"` // 时间格式
}

// DefaultConfig 默认日志配置
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// New 创建新的日志管理器
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	zerolog.TimeFieldFormat = config.TimeFormat

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	var output io.Writer
	switch strings.ToLower(config.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(config.Output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		output = file
	}

	var zl zerolog.Logger
	switch strings.ToLower(config.Format) {
	case "console":
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: config.TimeFormat,
		})
	case "json":
		zl = zerolog.New(output)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	zl = zl.With().Timestamp().Logger().Level(level)

	// 同步设置全局 zerolog，使直接使用 log 包的组件共享同一配置
	log.Logger = zl

	l := &Logger{logger: zl, config: config}
	globalLogger = l
	return l, nil
}

// GetLogger 获取底层 zerolog 实例
func (l *Logger) GetLogger() zerolog.Logger {
	return l.logger
}

// WithComponent 返回带组件字段的子日志器
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", name).Logger(),
		config: l.config,
	}
}

// WithStation 返回带站点标识字段的子日志器
func (l *Logger) WithStation(stationID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("station_id", stationID).Logger(),
		config: l.config,
	}
}

// Debug 调试日志
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Debugf 格式化调试日志
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Info 信息日志
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Infof 格式化信息日志
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warn 警告日志
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Warnf 格式化警告日志
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Error 错误日志
func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Errorf 格式化错误日志
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// ErrorWithErr 带错误对象的错误日志
func (l *Logger) ErrorWithErr(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatalf 格式化致命错误日志
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatal().Msgf(format, args...)
}

var globalLogger *Logger

// Default 获取全局日志器，未初始化时返回默认配置的日志器
func Default() *Logger {
	if globalLogger == nil {
		l, _ := New(DefaultConfig())
		return l
	}
	return globalLogger
}
