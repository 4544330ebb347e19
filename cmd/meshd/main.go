package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bitmesh/bitmesh-node/pkg/api"
	"github.com/bitmesh/bitmesh-node/pkg/mesh"
	"github.com/bitmesh/bitmesh-node/pkg/protocol"
	"github.com/bitmesh/bitmesh-node/pkg/store"
)

const heartbeatInterval = 30 * time.Second

var (
	nickname = flag.String("nickname", "node", "Nickname announced to peers")
	dataDir  = flag.String("data", "./data", "Directory for identity and spool databases")
	apiPort  = flag.Int("api-port", 0, "Inspection API port (0 disables)")
	simNodes = flag.Int("sim-nodes", 3, "Number of simulated nodes in the demo chain (minimum 2)")
)

func main() {
	flag.Parse()

	printBanner()

	if *simNodes < 2 {
		log.Fatal("Error: -sim-nodes must be at least 2")
	}

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// A chain of simulated radios: node-0 <-> node-1 <-> ... so traffic
	// between the endpoints exercises the relay path
	net := mesh.NewSimNetwork()
	services := make([]*mesh.Service, *simNodes)
	stores := make([]*store.Store, *simNodes)

	for i := 0; i < *simNodes; i++ {
		name := fmt.Sprintf("node-%d", i)

		st, err := store.Open(filepath.Join(*dataDir, name+".db"))
		if err != nil {
			log.Fatalf("Failed to open store for %s: %v", name, err)
		}
		stores[i] = st

		cfg := mesh.DefaultConfig()
		cfg.Nickname = *nickname + "-" + name
		svc, err := mesh.NewService(cfg, net.Node(name), st)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", name, err)
		}
		if err := svc.Start(); err != nil {
			log.Fatalf("Failed to start %s: %v", name, err)
		}
		services[i] = svc

		go drainEvents(name, svc)
		log.Printf("✓ %s up as %s", name, svc.LocalPeerID())
	}

	for i := 0; i < *simNodes-1; i++ {
		a := fmt.Sprintf("node-%d", i)
		b := fmt.Sprintf("node-%d", i+1)
		if err := net.Connect(a, b, -60); err != nil {
			log.Fatalf("Failed to connect %s and %s: %v", a, b, err)
		}
	}
	log.Printf("✓ Chain of %d nodes wired", *simNodes)

	var apiServer *api.Server
	if *apiPort > 0 {
		cfg := api.DefaultConfig()
		cfg.Port = *apiPort
		apiServer = api.NewServer(services[0], cfg)
		if err := apiServer.Start(); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}

	// Demonstrate end-to-end traffic across the chain
	go demoTraffic(services)
	go heartbeatLoop(services)

	waitForShutdown(services, stores, apiServer)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              BitMesh Transport Daemon             ║")
	fmt.Println("║        encrypted store-and-forward over BLE       ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

// demoTraffic sends a directed message from the first node to the last
// once the chain has settled
func demoTraffic(services []*mesh.Service) {
	time.Sleep(2 * time.Second)

	first := services[0]
	last := services[len(services)-1]
	lastID := last.LocalPeerID()

	msgID, err := first.SendApplicationMessage(0x01, []byte("hello from the far end"), &lastID)
	if err != nil {
		log.Printf("⚠️  Demo message failed: %v", err)
		return
	}
	log.Printf("📨 Demo message %x sent from %s to %s", msgID[:4], first.LocalPeerID(), lastID)

	// And a broadcast everyone should see
	if _, err := first.SendApplicationMessage(0x02, []byte("hello everyone"), nil); err != nil {
		log.Printf("⚠️  Demo broadcast failed: %v", err)
	}
}

// drainEvents logs the application events of one node
func drainEvents(name string, svc *mesh.Service) {
	for ev := range svc.Events() {
		switch ev.Type {
		case mesh.EventMessageReceived:
			log.Printf("📥 %s received message %x (app 0x%02x, %d bytes) from %s",
				name, ev.MessageID[:4], ev.MsgType, len(ev.Payload), ev.Peer)
		case mesh.EventSessionEstablished:
			log.Printf("🔒 %s established secure channel with %s", name, ev.Peer)
		case mesh.EventDeliveryAck:
			log.Printf("✅ %s: message %x delivered to %s", name, ev.MessageID[:4], ev.Peer)
		case mesh.EventPeerListChanged:
			log.Printf("👥 %s now knows %d peers", name, len(ev.Peers))
		}
	}
}

// heartbeatLoop periodically prints node counters
func heartbeatLoop(services []*mesh.Service) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("💓 Heartbeat")
		for i, svc := range services {
			snap := svc.Snapshot()
			log.Printf("   node-%d: %d links, %d peers, %d sessions, relayed %d (damped %d, choked %d)",
				i, snap.Connections, snap.Peers, snap.Sessions, snap.Relayed, snap.Damped, snap.Choked)
		}
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

func waitForShutdown(services []*mesh.Service, stores []*store.Store, apiServer *api.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("🛑 Shutting down...")

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		apiServer.Stop(ctx)
		cancel()
	}

	for _, svc := range services {
		svc.Leave()
	}
	// Give the leave floods a moment to propagate
	time.Sleep(200 * time.Millisecond)

	for _, svc := range services {
		svc.Stop()
	}
	for _, st := range stores {
		st.Close()
	}

	log.Printf("✓ Clean shutdown (protocol v%d)", protocol.ProtocolVersion)
}
