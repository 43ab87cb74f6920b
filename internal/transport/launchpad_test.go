package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrt-project/vtrt/internal/log"
)

func TestBootstrapHandshakeReleasesAllRanksTogether(t *testing.T) {
	const size = 4
	addr := "127.0.0.1:19400"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ServeLaunchpad(ctx, size, addr, prometheus.NewRegistry(), log.New())
	}()

	time.Sleep(50 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, size)
	for rank := 1; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = AnnounceBootstrap(ctx, rank, addr)
		}(rank)
	}
	wg.Wait()

	for rank := 1; rank < size; rank++ {
		assert.NoError(t, errs[rank])
	}
	require.NoError(t, <-serveErr)
}

func TestBootstrapHandshakeTimesOutIfARankNeverAnnounces(t *testing.T) {
	const size = 3
	addr := "127.0.0.1:19401"

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ServeLaunchpad(ctx, size, addr, prometheus.NewRegistry(), log.New())
	}()

	time.Sleep(50 * time.Millisecond)
	require.Error(t, AnnounceBootstrap(ctx, 1, addr))
	// Rank 2 never announces; the server's context deadline fires instead.

	err := <-serveErr
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnnounceBootstrapFailsToUnreachableAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := AnnounceBootstrap(ctx, 1, "127.0.0.1:1")
	assert.Error(t, err)
}
