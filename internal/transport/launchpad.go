// Bootstrap handshake: a small unary gRPC "dial-and-announce" exchange
// used only to confirm the fleet is reachable before the websocket mesh
// in ws.go comes up. Rank 0 hosts the rendezvous; every other rank
// dials it once, announces its rank, and blocks until every rank has
// announced. There is no generated stub here — wrapperspb.BytesValue
// already satisfies proto.Message, so the announced rank id is just its
// 4-byte big-endian encoding (the same encodeRank/decodeRank ws.go uses
// for its own connection handshake) and the ServiceDesc is hand-built.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vtrt-project/vtrt/internal/log"
)

const launchpadServiceName = "vtrt.Launchpad"

type launchpadServer interface {
	Announce(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func _Launchpad_Announce_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(launchpadServer).Announce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + launchpadServiceName + "/Announce"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(launchpadServer).Announce(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var launchpadServiceDesc = grpc.ServiceDesc{
	ServiceName: launchpadServiceName,
	HandlerType: (*launchpadServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Announce", Handler: _Launchpad_Announce_Handler},
	},
	Metadata: "internal/transport/launchpad.go",
}

// launchpad is rank 0's rendezvous: it releases every blocked Announce
// call at once, the moment the last of the size-1 other ranks checks in.
type launchpad struct {
	size int
	log  log.Logger

	mu      sync.Mutex
	seen    map[int]bool
	closed  bool
	release chan struct{}
}

func newLaunchpad(size int, logger log.Logger) *launchpad {
	return &launchpad{
		size:    size,
		log:     logger.WithPrefix("launchpad"),
		seen:    make(map[int]bool),
		release: make(chan struct{}),
	}
}

func (l *launchpad) Announce(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	rank := decodeRank(req.Value)
	l.mu.Lock()
	l.seen[rank] = true
	n := len(l.seen)
	if n == l.size-1 && !l.closed {
		l.closed = true
		l.log.Infof("all %d peer ranks announced, releasing handshake", n)
		close(l.release)
	}
	release := l.release
	l.mu.Unlock()

	select {
	case <-release:
		return &wrapperspb.BytesValue{Value: []byte{}}, nil
	case <-ctx.Done():
		return nil, status.Error(codes.DeadlineExceeded, "bootstrap handshake canceled")
	}
}

// ServeLaunchpad listens on addr and blocks until every one of the
// size-1 non-zero ranks has announced itself, then stops the server and
// returns. It is meant to run on rank 0, concurrently with (and before)
// the rest of rank 0's startup.
func ServeLaunchpad(ctx context.Context, size int, addr string, registry *prometheus.Registry, logger log.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport(launchpad): listen on %s: %w", addr, err)
	}

	serverMetrics := grpc_prometheus.NewServerMetrics()
	registry.MustRegister(serverMetrics)
	g := grpc.NewServer(grpc.UnaryInterceptor(serverMetrics.UnaryServerInterceptor()))

	lp := newLaunchpad(size, logger)
	g.RegisterService(&launchpadServiceDesc, lp)
	serverMetrics.InitializeMetrics(g)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve(ln) }()

	select {
	case <-lp.release:
	case err := <-errCh:
		return fmt.Errorf("transport(launchpad): server exited early: %w", err)
	case <-ctx.Done():
		g.Stop()
		return ctx.Err()
	}

	g.GracefulStop()
	return nil
}

// AnnounceBootstrap dials rank 0's launchpad at addr, announces rank,
// and blocks until every other rank has done the same. Ranks other than
// 0 call this before dialing the websocket mesh in ws.go.
func AnnounceBootstrap(ctx context.Context, rank int, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("transport(launchpad): dial %s: %w", addr, err)
	}
	defer conn.Close()

	req := &wrapperspb.BytesValue{Value: encodeRank(rank)}
	reply := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, "/"+launchpadServiceName+"/Announce", req, reply); err != nil {
		return fmt.Errorf("transport(launchpad): announce: %w", err)
	}
	return nil
}
