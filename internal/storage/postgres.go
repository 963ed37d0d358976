package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sparkplug/ocpp-session-engine/internal/logger"
)

// User RFID凭证对应的用户
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	RFID string `json:"rfid"`
}

// EVSEMeta 站点EVSE的静态元数据
type EVSEMeta struct {
	StationID     string    `json:"station_id"`
	EvseID        int       `json:"evse_id"`
	ConnectorType string    `json:"connector_type"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	CreatedAt     time.Time `json:"created_at"`
}

// ConnectorCount 连接器数量，connector_type以空格分隔逐个连接器的类型
func (m EVSEMeta) ConnectorCount() int {
	if strings.TrimSpace(m.ConnectorType) == "" {
		return 0
	}
	return len(strings.Fields(m.ConnectorType))
}

// NewPool 建立PostgreSQL连接池并验证连通性
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// CredentialStore RFID凭证注册表
type CredentialStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewCredentialStore 创建凭证注册表
func NewCredentialStore(pool *pgxpool.Pool, log *logger.Logger) *CredentialStore {
	if log == nil {
		log = logger.Default()
	}
	return &CredentialStore{
		pool:   pool,
		logger: log.WithComponent("credential_store"),
	}
}

// GetUserByRFID 按RFID查找用户，不存在时返回nil
func (s *CredentialStore) GetUserByRFID(ctx context.Context, rfid string) (*User, error) {
	var user User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, rfid FROM users WHERE rfid = $1`,
		rfid,
	).Scan(&user.ID, &user.Name, &user.RFID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up rfid: %w", err)
	}
	return &user, nil
}

// StationMetaStore 站点EVSE元数据注册表
type StationMetaStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewStationMetaStore 创建站点元数据注册表
func NewStationMetaStore(pool *pgxpool.Pool, log *logger.Logger) *StationMetaStore {
	if log == nil {
		log = logger.Default()
	}
	return &StationMetaStore{
		pool:   pool,
		logger: log.WithComponent("station_meta_store"),
	}
}

// ListEVSEs 列出站点的全部EVSE元数据，站点不存在时返回空切片
func (s *StationMetaStore) ListEVSEs(ctx context.Context, stationID string) ([]EVSEMeta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT station_id, evse_id, connector_type, latitude, longitude, created_at
		 FROM station_evses
		 WHERE station_id = $1
		 ORDER BY evse_id`,
		stationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list evses for station %s: %w", stationID, err)
	}
	defer rows.Close()

	var metas []EVSEMeta
	for rows.Next() {
		var meta EVSEMeta
		if err := rows.Scan(
			&meta.StationID,
			&meta.EvseID,
			&meta.ConnectorType,
			&meta.Latitude,
			&meta.Longitude,
			&meta.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan evse row: %w", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate evse rows: %w", err)
	}
	return metas, nil
}
