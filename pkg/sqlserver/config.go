// Package sqlserver fornece um Manager de pool para conexões Microsoft
// SQL Server via go-mssqldb. Cada conexão do pool encapsula um *sql.DB
// com MaxOpenConns=1, mapeando 1:1 para uma conexão física.
package sqlserver

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// Config descreve a instância SQL Server alvo.
type Config struct {
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PingTimeout    time.Duration
}

// DSN retorna a string de conexão do SQL Server.
func (c *Config) DSN() string {
	q := url.Values{}
	q.Set("database", c.Database)
	if c.ConnectTimeout > 0 {
		q.Set("connection timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     c.Addr(),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Addr retorna o endereço host:port da instância.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
