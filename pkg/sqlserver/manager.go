package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/connpool/pkg/pool"
)

const defaultPingTimeout = 5 * time.Second

// Manager implementa pool.Manager[*sql.DB] para SQL Server.
type Manager struct {
	cfg Config
}

var _ pool.Manager[*sql.DB] = (*Manager)(nil)

// NewManager cria um Manager para a instância configurada.
func NewManager(cfg Config) *Manager {
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	return &Manager{cfg: cfg}
}

// Connect abre uma nova conexão SQL Server e verifica que ela é
// alcançável antes de entregá-la ao pool.
func (m *Manager) Connect(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", m.cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// Usamos sql.DB como conexão única (MaxOpenConns=1) para que cada
	// item do pool mapeie 1:1 para uma conexão física do SQL Server.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // O pool gerencia o tempo de vida.

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", m.cfg.Addr(), err)
	}
	return db, nil
}

// IsValid executa um ping com timeout próprio na conexão.
func (m *Manager) IsValid(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

// HasBroken retorna sempre false: o database/sql restabelece a conexão
// física sozinho, então não há sinal síncrono de quebra a reportar.
func (m *Manager) HasBroken(*sql.DB) bool {
	return false
}

// Disconnect fecha a conexão.
func (m *Manager) Disconnect(db *sql.DB) {
	db.Close()
}
