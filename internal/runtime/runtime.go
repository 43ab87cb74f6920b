// Package runtime wires one rank's components into a single collective
// lifecycle: build the transport (including, for the websocket
// transport, the gRPC bootstrap handshake that precedes the mesh
// coming up), construct every core component in dependency order, run
// the pre/post-setup barrier, then drive the scheduler loop and the
// metrics HTTP server as siblings in one workgroup.Group so either
// stopping brings the other down with it. Load balancers, RDMA, pipes,
// object groups, tracing and a dedicated phase manager are out of
// scope and have no fields here.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vtrt-project/vtrt/internal/config"
	"github.com/vtrt-project/vtrt/internal/epoch"
	"github.com/vtrt-project/vtrt/internal/errors"
	"github.com/vtrt-project/vtrt/internal/event"
	"github.com/vtrt-project/vtrt/internal/location"
	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/messenger"
	"github.com/vtrt-project/vtrt/internal/metrics"
	"github.com/vtrt-project/vtrt/internal/registry"
	"github.com/vtrt-project/vtrt/internal/scheduler"
	"github.com/vtrt-project/vtrt/internal/transport"
	"github.com/vtrt-project/vtrt/internal/vcontext"
	"github.com/vtrt-project/vtrt/internal/workgroup"
)

// Runtime owns every core component for one rank, plus the ambient
// plumbing (metrics server) needed to run it as a process. CollectionManager
// is deliberately not a field here: it is a per-collection, user-level
// construct built atop VContext, not a singleton the runtime core owns.
type Runtime struct {
	cfg    config.Config
	log    log.Logger
	stackW errors.StackWriter

	promRegistry *prometheus.Registry
	met          *metrics.Metrics

	Transport transport.Transport
	Registry  *registry.Registry
	Events    *event.Manager
	Epoch     *epoch.Detector
	Messenger *messenger.Messenger
	Location  *location.Manager
	VContext  *vcontext.Manager

	sched *scheduler.Scheduler
	group workgroup.Group
}

// New constructs every core component bound to cfg, in dependency
// order: transport, then Registry/Event/epoch Detector (no
// inter-dependencies among these three), then Messenger (needs
// Registry+Event+Detector), then LocationManager, then
// VirtualContextManager (needs LocationManager), then Scheduler. It does
// not run the setup barrier or start any goroutines; call Startup for
// that once every rank has reached this point.
func New(ctx context.Context, cfg config.Config, logger log.Logger) (*Runtime, error) {
	promRegistry := prometheus.NewRegistry()
	met := metrics.NewMetrics(promRegistry)

	t, err := buildTransport(ctx, cfg, promRegistry, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: building transport: %w", err)
	}

	reg := registry.New()
	ev := event.NewManager()

	det := epoch.NewDetector(cfg.Rank, t, logger)
	det.SetMetrics(met)

	msn := messenger.New(cfg.Rank, cfg.Size, t, reg, ev, det, logger)
	msn.SetMetrics(met)

	loc, err := location.NewManager(location.NodeID(cfg.Rank), cfg.LocationCacheSize, cfg.SmallMessageMaxSize, t, logger)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("runtime: building location manager: %w", err)
	}
	loc.SetMetrics(met)

	vc := vcontext.New(location.NodeID(cfg.Rank), loc, t, logger)
	vc.SetMetrics(met)

	sched := scheduler.New(t, logger)
	sched.SetMetrics(met)

	return &Runtime{
		cfg:          cfg,
		log:          logger.WithPrefix("runtime"),
		stackW:       errors.FileStackWriter{Dir: cfg.StackDumpDir},
		promRegistry: promRegistry,
		met:          met,
		Transport:    t,
		Registry:     reg,
		Events:       ev,
		Epoch:        det,
		Messenger:    msn,
		Location:     loc,
		VContext:     vc,
		sched:        sched,
	}, nil
}

// buildTransport selects and constructs the transport cfg names. For
// the websocket transport, a non-empty BootstrapAddr runs the gRPC
// bootstrap handshake first: rank 0 hosts it, every other rank dials
// it once, and the handshake confirms the whole fleet is reachable
// before any rank dials the websocket mesh itself.
func buildTransport(ctx context.Context, cfg config.Config, promRegistry *prometheus.Registry, logger log.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportLocal:
		if cfg.Size != 1 {
			return nil, fmt.Errorf("local transport supports exactly one rank per process, got size %d", cfg.Size)
		}
		return transport.NewLocalFleet(1)[0], nil

	case config.TransportWebsocket:
		if cfg.BootstrapAddr != "" && cfg.Size > 1 {
			if cfg.Rank == 0 {
				go func() {
					if err := transport.ServeLaunchpad(ctx, cfg.Size, cfg.BootstrapAddr, promRegistry, logger); err != nil && ctx.Err() == nil {
						logger.Errorf("bootstrap handshake server: %v", err)
					}
				}()
			} else if err := transport.AnnounceBootstrap(ctx, cfg.Rank, cfg.BootstrapAddr); err != nil {
				return nil, fmt.Errorf("bootstrap handshake: %w", err)
			}
		}
		return transport.NewWebsocket(ctx, cfg.Rank, cfg.Peers, logger)

	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport)
	}
}

// Metrics returns the Prometheus collectors wired into every component
// New built.
func (r *Runtime) Metrics() *metrics.Metrics {
	return r.met
}

// Startup runs the collective pre-setup barrier (every rank's handlers
// are installed by New, so the barrier here just confirms every rank
// has reached this point before any cross-rank traffic begins),
// registers the metrics HTTP server as an ambient goroutine if
// cfg.MetricsBindAddr is set, then runs the post-setup barrier.
func (r *Runtime) Startup(ctx context.Context) error {
	if err := r.barrier(ctx, "pre-setup"); err != nil {
		return err
	}

	if r.cfg.MetricsBindAddr != "" {
		r.group.Add(r.serveMetrics)
	}

	return r.barrier(ctx, "post-setup")
}

func (r *Runtime) barrier(ctx context.Context, which string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, r.cfg.SetupBarrierTimeout)
	defer cancel()
	if err := r.Transport.Barrier(timeoutCtx); err != nil {
		return fmt.Errorf("runtime: %s barrier: %w", which, err)
	}
	return nil
}

// serveMetrics runs the metrics HTTP server until stop closes, then
// shuts it down gracefully. It is registered with the runtime's
// workgroup.Group in Startup, so if the scheduler loop Run drives stops
// for any reason, this server stops with it, and vice versa.
func (r *Runtime) serveMetrics(stop <-chan struct{}) error {
	srv := &http.Server{
		Addr:    r.cfg.MetricsBindAddr,
		Handler: metrics.Handler(r.promRegistry),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-stop:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Run drives the scheduler loop and every ambient goroutine Startup
// registered as siblings in one workgroup.Group: it blocks until ctx is
// canceled or one member exits (e.g. the metrics server failing to
// bind), at which point every other member is stopped too, and that
// first result is returned. A cancellation of ctx is a normal stop and
// returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	r.group.AddContext(func(loopCtx context.Context) error {
		r.sched.RunWhile(func() bool { return loopCtx.Err() == nil })
		return nil
	})
	err := r.group.Run(ctx)
	if ctx.Err() != nil && err == ctx.Err() {
		return nil
	}
	return err
}

// Scheduler returns the per-rank cooperative loop, for registering
// component progress functions, work units and idle triggers built atop
// this Runtime's components (e.g. a CollectionManager's Rebalance hook).
func (r *Runtime) Scheduler() *scheduler.Scheduler {
	return r.sched
}

// Teardown runs the collective teardown barrier so no rank closes its
// transport while a peer still expects to reach it, then closes the
// transport. Call after Run returns.
func (r *Runtime) Teardown(ctx context.Context) error {
	if err := r.barrier(ctx, "teardown"); err != nil {
		r.log.Errorf("%v", err)
	}
	return r.Transport.Close()
}

// Abort writes this rank's fatal diagnostic and stack dump, then
// terminates the process. It never returns. Call sites that detect a
// Precondition/Protocol/Allocation failure call this instead of
// propagating an error up through the scheduler loop.
func (r *Runtime) Abort(kind errors.Kind, cause error) {
	errors.Abort(r.log, r.stackW, r.cfg.Rank, kind, cause)
}
