// Package redisconn fornece um Manager de pool para conexões Redis
// dedicadas via go-redis. Cada item do pool é um *redis.Conn com uma
// conexão de rede própria, útil quando o estado da sessão importa
// (CLIENT SETNAME, SUBSCRIBE, MULTI).
package redisconn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/connpool/pkg/pool"
)

const defaultPingTimeout = 3 * time.Second

// Config descreve o servidor Redis alvo.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Manager implementa pool.Manager[*redis.Conn].
type Manager struct {
	client      *redis.Client
	pingTimeout time.Duration
}

var _ pool.Manager[*redis.Conn] = (*Manager)(nil)

// NewManager cria um Manager apontando para o servidor configurado.
func NewManager(cfg Config) *Manager {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Manager{client: client, pingTimeout: defaultPingTimeout}
}

// Connect abre uma conexão dedicada e confirma que o servidor responde.
func (m *Manager) Connect(ctx context.Context) (*redis.Conn, error) {
	conn := m.client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return conn, nil
}

// IsValid executa PING com timeout próprio na conexão.
func (m *Manager) IsValid(ctx context.Context, conn *redis.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()
	return conn.Ping(ctx).Err()
}

// HasBroken retorna sempre false: o go-redis não expõe um sinal
// síncrono de quebra; a validação fica por conta do PING no checkout.
func (m *Manager) HasBroken(*redis.Conn) bool {
	return false
}

// Disconnect fecha a conexão dedicada.
func (m *Manager) Disconnect(conn *redis.Conn) {
	conn.Close()
}

// Close libera o cliente subjacente. Deve ser chamado depois que o pool
// que usa este manager foi encerrado.
func (m *Manager) Close() error {
	return m.client.Close()
}
