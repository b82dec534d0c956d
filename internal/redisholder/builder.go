package redisholder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Darmau/koktohay-api/internal/config"
	"github.com/redis/go-redis/v9"
)

func Build(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (*Holder, error) {
	log = log.With("component", "redis")

	var cl redis.UniversalClient
	cl, err := newClusterClient(ctx, &cfg)
	if err != nil {
		clusterErr := err
		cl, err = newClient(ctx, &cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		log.Info("cluster client failed, using single-node client", "err", clusterErr)
	}

	h := NewHolder(cl)

	go healthLoop(ctx, h, cfg, log)

	return h, nil
}

func healthLoop(ctx context.Context, h *Holder, cfg config.RedisConfig, log *slog.Logger) {
	interval := cfg.HealthCheckInterval.Or(30 * time.Second)
	log.Info("health loop started", "interval", interval)

	ping := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.Get().Ping(pingCtx).Err()
		cancel()

		if err == nil {
			log.Debug("ping ok")
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("ping failed, attempting reconnect", "err", err)

		var newCl redis.UniversalClient
		var newErr error
		// Rebuild client (cluster first, then fallback)
		newCl, newErr = newClusterClient(ctx, &cfg)
		if newErr != nil {
			newCl, newErr = newClient(ctx, &cfg)
		}
		if newErr != nil {
			log.Error("reconnect failed", "err", newErr)
			return
		}

		old := h.swap(newCl)
		if old != nil {
			_ = old.Close()
		}
		log.Info("reconnected")
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			log.Info("health loop stopped", "reason", ctx.Err())
			return
		case <-t.C:
			ping()
		}
	}
}

func newClusterClient(ctx context.Context, cfg *config.RedisConfig) (*redis.ClusterClient, error) {
	if len(cfg.Nodes) < 1 {
		return nil, errors.New("no nodes defined")
	}

	nodeAddrs := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		nodeAddrs = append(nodeAddrs, node.Addr())
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          nodeAddrs,
		DialTimeout:    cfg.DialTimeout.Or(5 * time.Second),
		ReadTimeout:    cfg.ReadTimeout.Or(5 * time.Second),
		WriteTimeout:   cfg.WriteTimeout.Or(5 * time.Second),
		PoolSize:       cfg.PoolSize,
		PoolTimeout:    30 * time.Second,
		MaxRetries:     3,
	})

	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("error pinging redis cluster: %w", err)
	}

	return cl, nil
}

func newClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	var stickyErr = errors.New("no nodes defined")

	for _, node := range cfg.Nodes {
		cl := redis.NewClient(&redis.Options{
			Addr:         node.Addr(),
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout.Or(5 * time.Second),
			ReadTimeout:  cfg.ReadTimeout.Or(5 * time.Second),
			WriteTimeout: cfg.WriteTimeout.Or(5 * time.Second),
			PoolSize:     cfg.PoolSize,
		})

		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			stickyErr = fmt.Errorf("error pinging redis server: %w", err)
			continue
		}

		return cl, nil
	}

	return nil, stickyErr
}
