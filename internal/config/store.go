package config

import (
	"context"
	"fmt"

	"github.com/user/hostswitch/internal/rules"
)

// OpenStore opens the configured rule store backend. configPath anchors a
// relative file backend path.
func (c *Config) OpenStore(ctx context.Context, configPath string, opts ...rules.Option) (*rules.Store, error) {
	var backend rules.Backend
	switch c.Store.Backend {
	case BackendRedis:
		rb, err := rules.DialRedis(ctx, c.Store.Redis.Addr, c.Store.Redis.Password, c.Store.Redis.DB, c.Store.Redis.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		backend = rb
	case BackendFile, "":
		backend = rules.NewFileBackend(c.StorePath(configPath))
	default:
		return nil, fmt.Errorf("unknown backend: %s", c.Store.Backend)
	}

	opts = append([]rules.Option{rules.WithMaxRetries(c.Store.MaxRetries)}, opts...)
	return rules.NewStore(backend, opts...), nil
}
