// Package redislock candado distribuido por factura sobre Redis.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jhoicas/facturacion-sri/internal/domain"
	"github.com/jhoicas/facturacion-sri/pkg/config"
)

const keyPrefix = "sri:invoice-lock:"

// Locker obtiene un candado por factura; varias réplicas del servicio no procesan la misma factura a la vez.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	log    zerolog.Logger
}

// NewClient crea el cliente go-redis y verifica la conexión.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// New construye el locker. ttl acota cuánto vive un candado huérfano si el proceso muere.
func New(rdb redislock.RedisClient, ttl time.Duration, log zerolog.Logger) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl, wait: 2 * ttl, log: log}
}

// Lock espera el candado de la factura id hasta 2*ttl o hasta que ctx termine.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	lock, err := l.client.Obtain(waitCtx, keyPrefix+id, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(100 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("factura %s en proceso por otro worker: %w", id, domain.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", id, err)
	}

	return func() {
		// Liberación con contexto propio: el del llamador puede haber expirado.
		relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer relCancel()
		if err := lock.Release(relCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.Warn().Err(err).Str("invoice_id", id).Msg("redis lock: liberación fallida")
		}
	}, nil
}
