package runtime

import (
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/peermesh/config"
)

// BuildPostgresDSN constructs a DSN from the application configuration.
func BuildPostgresDSN(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}
	p := cfg.Storage.Postgres
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// NewRedisClient builds the stream client from storage.redis.
func NewRedisClient(cfg *config.Config) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	r := cfg.Storage.Redis
	opts := &redis.UniversalOptions{
		Addrs:    []string{net.JoinHostPort(r.Host, r.Port)},
		Password: r.Password,
		DB:       r.DB,
	}
	if r.Timeout > 0 {
		opts.DialTimeout = r.Timeout
		opts.ReadTimeout = r.Timeout
		opts.WriteTimeout = r.Timeout
	}
	return redis.NewUniversalClient(opts), nil
}
