package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrt-project/vtrt/internal/config"
	"github.com/vtrt-project/vtrt/internal/log"
)

func newWsCluster(t *testing.T, size int, basePort, bootstrapPort int) []*Runtime {
	t.Helper()
	peers := make([]string, size)
	for i := range peers {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}
	bootstrapAddr := fmt.Sprintf("127.0.0.1:%d", bootstrapPort)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make([]*Runtime, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := config.Default()
			cfg.Rank = i
			cfg.Size = size
			cfg.Transport = config.TransportWebsocket
			cfg.Peers = peers
			cfg.BootstrapAddr = bootstrapAddr
			r, err := New(ctx, cfg, log.New())
			out[i] = r
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
	}
	t.Cleanup(func() {
		for _, r := range out {
			_ = r.Transport.Close()
		}
	})
	return out
}

func TestNewBuildsEveryComponentAndWiresMetrics(t *testing.T) {
	cluster := newWsCluster(t, 3, 19500, 19550)
	for _, r := range cluster {
		assert.NotNil(t, r.Registry)
		assert.NotNil(t, r.Events)
		assert.NotNil(t, r.Epoch)
		assert.NotNil(t, r.Messenger)
		assert.NotNil(t, r.Location)
		assert.NotNil(t, r.VContext)
		assert.NotNil(t, r.Scheduler())
		assert.NotNil(t, r.Metrics())
	}
}

func TestStartupRunsPreAndPostSetupBarrierAcrossTheFleet(t *testing.T) {
	cluster := newWsCluster(t, 3, 19510, 19551)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(cluster))
	for i, r := range cluster {
		wg.Add(1)
		go func(i int, r *Runtime) {
			defer wg.Done()
			errs[i] = r.Startup(ctx)
		}(i, r)
	}
	wg.Wait()
	for i := range errs {
		assert.NoError(t, errs[i])
	}
}

func TestRunStopsEveryRankWhenContextIsCanceled(t *testing.T) {
	cluster := newWsCluster(t, 2, 19520, 19552)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range cluster {
		require.NoError(t, r.Startup(ctx))
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan error, len(cluster))
	for _, r := range cluster {
		go func(r *Runtime) { done <- r.Run(runCtx) }(r)
	}

	time.Sleep(20 * time.Millisecond)
	runCancel()
	for range cluster {
		require.NoError(t, <-done)
	}
}

func TestMessengerSendReachesHandlerAcrossRuntimesBuiltByNew(t *testing.T) {
	cluster := newWsCluster(t, 2, 19530, 19553)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	handlerID := cluster[1].Registry.RegisterActiveHandler(func(payload []byte) {
		mu.Lock()
		got = append([]byte(nil), payload...)
		mu.Unlock()
		close(done)
	}, "test-handler")

	// Both ranks must register the handler at the same collective
	// sequence point for the id to line up; rank 0 only needs it to
	// know the numeric id it is sending to.
	_ = cluster[0].Registry.RegisterActiveHandler(func([]byte) {}, "test-handler")

	_, err := cluster[0].Messenger.SendMsg(1, handlerID, []byte("hello runtime"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case <-done:
			mu.Lock()
			assert.Equal(t, []byte("hello runtime"), got)
			mu.Unlock()
			return
		case <-ctx.Done():
			t.Fatal("timed out waiting for handler delivery")
		default:
			cluster[1].Transport.Poll()
			time.Sleep(time.Millisecond)
		}
	}
}

func TestTeardownRunsBarrierThenClosesTransport(t *testing.T) {
	cluster := newWsCluster(t, 2, 19540, 19554)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range cluster {
		require.NoError(t, r.Startup(ctx))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(cluster))
	for i, r := range cluster {
		wg.Add(1)
		go func(i int, r *Runtime) {
			defer wg.Done()
			errs[i] = r.Teardown(ctx)
		}(i, r)
	}
	wg.Wait()
	for i := range errs {
		assert.NoError(t, errs[i])
	}

	_, err := cluster[0].Messenger.SendMsg(1, 0, []byte("after close"))
	assert.Error(t, err)
}

func TestBuildTransportRejectsMultiRankLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cfg := config.Default()
	cfg.Rank = 0
	cfg.Size = 2
	cfg.Transport = config.TransportLocal
	_, err := New(ctx, cfg, log.New())
	assert.Error(t, err)
}

func TestBuildTransportSingleRankLocalSucceeds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cfg := config.Default()
	cfg.Rank = 0
	cfg.Size = 1
	cfg.Transport = config.TransportLocal
	r, err := New(ctx, cfg, log.New())
	require.NoError(t, err)
	require.NoError(t, r.Startup(ctx))
	assert.NoError(t, r.Teardown(ctx))
}
