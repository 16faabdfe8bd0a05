package kvstore

import (
	"context"
	"fmt"
	"io"

	"offlinequeue/internal/config"

	"github.com/rs/zerolog"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Open builds the store selected by cfg.Backend, scoped by cfg.Scope when set.
// The returned closer releases backend connections.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zerolog.Logger) (Store, io.Closer, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	noop := closerFunc(func() error { return nil })

	var (
		store  Store
		closer io.Closer = noop
	)

	switch cfg.Backend {
	case config.BackendMemory:
		store = NewMemoryStore()

	case config.BackendSQLite:
		s, err := NewSQLiteStore(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		store, closer = s, s

	case config.BackendRedis:
		client := NewRedisClient(cfg.Redis)
		if err := connectPolicy.Do(ctx, func(ctx context.Context) error { return Ping(ctx, client) }); err != nil {
			client.Close()
			return nil, nil, err
		}
		store, closer = NewRedisStore(client), client

	case config.BackendRedisSQLite:
		s, err := NewSQLiteStore(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		client := NewRedisClient(cfg.Redis)
		if err := Ping(ctx, client); err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable at startup, using sqlite until it recovers")
		}
		store = NewFailoverStore(NewRedisStore(client), s, logger)
		closer = closerFunc(func() error {
			err := client.Close()
			if sErr := s.Close(); err == nil {
				err = sErr
			}
			return err
		})

	case config.BackendDynamoDB:
		client, err := NewDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		store = NewDynamoStore(client, cfg.DynamoDB.Table, logger)

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if cfg.Scope != "" {
		store = Scoped(store, cfg.Scope)
	}
	logger.Info().Str("backend", cfg.Backend).Str("scope", cfg.Scope).Msg("Key-value store opened")
	return store, closer, nil
}
