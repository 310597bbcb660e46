package service

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-offline-sync/pkg/remote"
)

type pingerStub struct {
	err atomic.Value
}

func (p *pingerStub) set(err error) { p.err.Store(&err) }

func (p *pingerStub) Ping(ctx context.Context, path string) error {
	v, _ := p.err.Load().(*error)
	if v == nil {
		return nil
	}
	return *v
}

func TestConnectivityCheck(t *testing.T) {
	p := &pingerStub{}
	svc := NewConnectivityService(p, "/health", time.Second, nil)

	assert.True(t, svc.Check(context.Background()))

	p.set(&remote.StatusError{StatusCode: http.StatusServiceUnavailable})
	assert.True(t, svc.Check(context.Background()), "any HTTP response means the server is reachable")

	p.set(errors.New("dial tcp: no route to host"))
	assert.False(t, svc.Check(context.Background()))
}

func TestConnectivityWatchEmitsChanges(t *testing.T) {
	p := &pingerStub{}
	p.set(errors.New("offline"))
	svc := NewConnectivityService(p, "/health", 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := svc.Watch(ctx)

	require.False(t, <-ch)
	p.set(nil)
	select {
	case online := <-ch:
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("no connectivity change observed")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
