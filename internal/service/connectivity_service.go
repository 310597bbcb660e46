package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-offline-sync/pkg/remote"
)

type healthPinger interface {
	Ping(ctx context.Context, path string) error
}

// ConnectivityService turns periodic health checks of the server into a
// stream of online/offline values for the scheduler.
type ConnectivityService struct {
	pinger   healthPinger
	path     string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewConnectivityService constructs the service.
func NewConnectivityService(pinger healthPinger, path string, interval time.Duration, logger *zap.Logger) *ConnectivityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &ConnectivityService{pinger: pinger, path: path, interval: interval, timeout: timeout, logger: logger}
}

// Check pings the server once. Any HTTP response counts as online; only transport
// failures mean offline.
func (c *ConnectivityService) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.pinger.Ping(ctx, c.path)
	if err == nil {
		return true
	}
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	c.logger.Debug("connectivity check failed", zap.Error(err))
	return false
}

// Watch checks immediately and then every interval, emitting only changes.
// The channel closes when ctx ends.
func (c *ConnectivityService) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		var last *bool
		for {
			online := c.Check(ctx)
			if last == nil || *last != online {
				select {
				case out <- online:
				case <-ctx.Done():
					return
				}
				if last != nil {
					c.logger.Info("connectivity changed", zap.Bool("online", online))
				}
				last = &online
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
