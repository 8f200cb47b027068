package main

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"peersvc/internal/broadcasttree"
	"peersvc/internal/config"
	"peersvc/internal/coordinator"
	"peersvc/internal/epoch"
	"peersvc/internal/httpapi"
	"peersvc/internal/logging"
	"peersvc/internal/membership"
	"peersvc/internal/metrics"
	"peersvc/internal/msgid"
	"peersvc/internal/transport"
)

// newEntropySeededRand builds the *rand.Rand the ViewSet uses for its
// uniform random draws, seeded from the OS CSPRNG rather than the wall
// clock so concurrently started nodes don't share a seed.
func newEntropySeededRand() *rand.Rand {
	var seed [8]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
}

func main() {
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("peersvc: loading config: %v", err)
	}

	selfName := os.Getenv("PEERSVC_NODE_NAME")
	if selfName == "" {
		selfName = fmt.Sprintf("peer-%d", os.Getpid())
	}
	self := membership.PeerSpec{Name: selfName, Endpoint: cfg.GossipListenAddr}

	rng := newEntropySeededRand()

	views, err := membership.New(self, cfg.MaxActiveSize, cfg.MinActiveSize, cfg.MaxPassiveSize, cfg.Tags(), rng)
	if err != nil {
		log.Fatalf("peersvc: %v", err)
	}

	ep, err := epoch.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("peersvc: opening epoch store: %v", err)
	}
	selfEpoch := ep.Next()

	ids := msgid.NewStore()
	m := metrics.New()

	adapter := transport.NewGRPCAdapter(self)
	if err := adapter.Listen(cfg.GossipListenAddr); err != nil {
		log.Fatalf("peersvc: %v", err)
	}

	tree := broadcasttree.NewActiveViewTree(views.ActiveMembers)

	deliver := func(target membership.PeerSpec, msg []byte, transitive bool) {
		logging.Info("peersvc: delivered %d bytes for %s (transitive=%v)", len(msg), target.Name, transitive)
	}

	coord := coordinator.New(self, cfg, views, ids, ep, selfEpoch, adapter, tree, m, deliver)
	coord.Start()

	if seeds := os.Getenv("PEERSVC_SEEDS"); seeds != "" {
		for _, raw := range strings.Split(seeds, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			name, endpoint := splitSeed(raw)
			if err := coord.Join(membership.PeerSpec{Name: name, Endpoint: endpoint}); err != nil {
				logging.Warn("peersvc: join %s: %v", name, err)
			}
		}
	}

	httpServer := httpapi.New(coord, m)

	logging.Info("peersvc online as %s", self.Name)
	logging.Info("  gossip: %s  http: %s", cfg.GossipListenAddr, cfg.HTTPListenAddr)
	logging.Info("  active=%d min_active=%d passive=%d arwl=%d prwl=%d broadcast=%v",
		cfg.MaxActiveSize, cfg.MinActiveSize, cfg.MaxPassiveSize, cfg.ARWL, cfg.PRWL, cfg.Broadcast)

	srv := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      httpServer.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logging.Info("peersvc: shutting down...")
		coord.Close()
		_ = adapter.Close()
		os.Exit(0)
	}()

	log.Fatal(srv.ListenAndServe())
}

// splitSeed parses a "name@host:port" seed entry into its PeerSpec parts.
// A seed without an "@" is treated as a bare name with no known endpoint.
func splitSeed(raw string) (name, endpoint string) {
	if i := strings.Index(raw, "@"); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}
