package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
)

const (
	// 连接器状态投影的键格式与保留时长
	statusKeyPrefix = "station:status:%s"
	statusTTL       = 24 * time.Hour
)

// ConnectorStatusRecord 单个连接器的状态投影
type ConnectorStatusRecord struct {
	StationID   string               `json:"station_id"`
	EvseID      int                  `json:"evse_id"`
	ConnectorID int                  `json:"connector_id"`
	Status      ocpp.ConnectorStatus `json:"status"`
	Timestamp   string               `json:"timestamp"`
	Latitude    float64              `json:"latitude,omitempty"`
	Longitude   float64              `json:"longitude,omitempty"`
}

// StatusStore 基于Redis哈希的连接器状态投影存储
// 每个站点一个哈希，字段为"<evseId>:<connectorId>"
type StatusStore struct {
	client redis.Cmdable
	logger *logger.Logger
}

// NewStatusStore 创建状态投影存储
func NewStatusStore(client redis.Cmdable, log *logger.Logger) *StatusStore {
	if log == nil {
		log = logger.Default()
	}
	return &StatusStore{
		client: client,
		logger: log.WithComponent("status_store"),
	}
}

func statusKey(stationID string) string {
	return fmt.Sprintf(statusKeyPrefix, stationID)
}

func statusField(evseID, connectorID int) string {
	return fmt.Sprintf("%d:%d", evseID, connectorID)
}

// UpsertStatus 写入或覆盖单个连接器的状态
func (s *StatusStore) UpsertStatus(ctx context.Context, record ConnectorStatusRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}

	key := statusKey(record.StationID)
	if err := s.client.HSet(ctx, key, statusField(record.EvseID, record.ConnectorID), data).Err(); err != nil {
		return fmt.Errorf("failed to upsert status for station %s: %w", record.StationID, err)
	}
	if err := s.client.Expire(ctx, key, statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh status ttl for station %s: %w", record.StationID, err)
	}
	return nil
}

// GetStationStatus 读取站点全部连接器的状态投影
func (s *StatusStore) GetStationStatus(ctx context.Context, stationID string) ([]ConnectorStatusRecord, error) {
	fields, err := s.client.HGetAll(ctx, statusKey(stationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status for station %s: %w", stationID, err)
	}

	records := make([]ConnectorStatusRecord, 0, len(fields))
	for field, data := range fields {
		var record ConnectorStatusRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			s.logger.Warnf("Dropping corrupt status record %s/%s: %v", stationID, field, err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// DeleteStationStatus 删除站点的状态投影
func (s *StatusStore) DeleteStationStatus(ctx context.Context, stationID string) error {
	if err := s.client.Del(ctx, statusKey(stationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete status for station %s: %w", stationID, err)
	}
	return nil
}
