// Command strd is the state-transfer coordinator demo daemon,
// grounded on the teacher's cmd/devicedb/devicedb.go entry point: load
// a config file, build the collaborators, start serving. The daemon
// simulates its configured peer set in-process over groupcomm's
// in-memory raft Bus rather than opening real network connections to
// them -- wiring an actual inter-process transport is the
// group-communication layer's job, explicitly out of scope here (see
// SPEC_FULL.md's DOMAIN STACK notes on groupcomm).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/latticedb/str"
	"github.com/latticedb/str/admin"
	"github.com/latticedb/str/groupcomm"
	"github.com/latticedb/str/metrics"
	"github.com/latticedb/str/recovery"
	"github.com/latticedb/str/sst"
	"github.com/latticedb/str/wire"
	"github.com/latticedb/str/wscache"
)

var configFile = flag.String("conf", "", "Path to the daemon's YAML config file")
var genConf = flag.Bool("genconf", false, "Print a template config to stdout and exit")

func main() {
	flag.Parse()

	if *genConf {
		fmt.Print(templateConfig)
		return
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "usage: strd -conf path/to/str.yaml")
		os.Exit(2)
	}

	var sc str.ServerConfig
	if err := sc.LoadFromFile(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "unable to load config file: %s\n", err)
		os.Exit(1)
	}

	markers, err := recovery.Open(sc.MarkerDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to open marker store: %s\n", err)
		os.Exit(1)
	}
	defer markers.Close()

	marker, err := markers.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to read marker: %s\n", err)
		os.Exit(1)
	}

	cache := wscache.New(sc.CacheCapacity)

	bus := groupcomm.NewBus()

	peerIDs := make([]uint64, 0, len(sc.Peers)+1)
	peerIDs = append(peerIDs, sc.NodeID)
	for _, p := range sc.Peers {
		peerIDs = append(peerIDs, p.NodeID)
	}

	var localTransport *groupcomm.RaftTransport
	for _, id := range peerIDs {
		t := groupcomm.NewRaftTransport(id, peerIDs, bus)
		if id == sc.NodeID {
			localTransport = t
		} else {
			defer t.Stop()
		}
	}
	defer localTransport.Stop()

	donorScript := &sst.StreamingDonorScript{}

	coordinator := str.NewCoordinator(
		marker.UUID,
		wire.ProtoVersion(sc.ProtocolVersion),
		localTransport,
		cache,
		markers,
		str.LoggingApplier{},
		donorScript,
		sc.BypassCommitOrder,
	)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	adminServer := admin.NewServer(coordinator)
	router := mux.NewRouter()
	adminServer.Attach(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: sc.AdminListenAddress, Handler: router}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		coordinator.Run(groupCtx)
		return nil
	})

	if marker.Seqno == -1 {
		group.Go(func() error {
			return coordinator.RequestStateTransfer(groupCtx, groupUUIDOrSelf(marker), 0)
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	cancel()
	coordinator.Stop()
	httpServer.Close()

	if err := group.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "strd: %s\n", err)
	}
}

// groupUUIDOrSelf is a placeholder for the membership handshake that
// would normally tell a fresh node which history the group it's
// joining belongs to; that handshake lives in the group-communication
// layer, out of scope here, so a brand new node just adopts its own
// freshly generated history.
func groupUUIDOrSelf(m recovery.Marker) uuid.UUID {
	if m.UUID == uuid.Nil {
		return uuid.New()
	}

	return m.UUID
}

var templateConfig = `# nodeID is this member's identity within the group.
# **REQUIRED**
nodeID: 1

# markerDir is where the recovery marker store lives on disk.
# **REQUIRED**
markerDir: /tmp/str/marker

# cacheCapacity bounds the in-process write-set cache.
cacheCapacity: 10000

# adminListenAddress is where /status, /ws/progress, and /metrics are served.
adminListenAddress: 127.0.0.1:9991

# protocolVersion is the negotiated wire protocol version (0, 1, or 2).
protocolVersion: 1

# bypassCommitOrder disables commit-order admission.
bypassCommitOrder: false

# peers lists the other group members in this node's consensus group.
peers:
#   - id: 2
#     host: 127.0.0.1
#     port: 9992
`
