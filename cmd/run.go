package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"pbftnode/clientio"
	"pbftnode/config"
	"pbftnode/consensus"
	"pbftnode/discovery"
	"pbftnode/node"
	"pbftnode/perr"
	"pbftnode/udpbroadcast"
)

func portIdentity(port uint64) consensus.PeerID {
	return consensus.PeerID(fmt.Sprintf("replica-%d", port))
}

// runReplica wires together config, the consensus replica, the client
// ingress listener, the UDP-broadcast discoverer, and the node loop, then
// blocks until SIGINT/SIGTERM.
//
// isPrimary/fixedPort come from the "primary" subcommand's --port flag
// (default 8000); a bare invocation passes isPrimary=false and the root
// command's --port (default 0). With network.json present, fixedPort must
// name a configured port (0 is a PortRequired error); without it, a backup
// always binds an ephemeral peer port.
func runReplica(isPrimary bool, fixedPort uint64) error {
	cfg, cfgPresent, err := loadConfigIfPresent(configPath)
	if err != nil {
		return err
	}

	var (
		self       consensus.PeerID
		order      []consensus.PeerID
		peerPort   uint64
		discoverer discovery.Discoverer
	)

	switch {
	case cfgPresent:
		peerPort = fixedPort
		if peerPort == 0 {
			return perr.New(perr.Config, "PortRequired",
				"--port must name a port from "+configPath+" when that file is present")
		}
		self = portIdentity(peerPort)
		if isPrimary && !cfg.IsPrimary(peerPort) {
			return perr.Newf(perr.Config, "PrimaryPortMismatch",
				"--port %d is not the configured primary port %d", peerPort, cfg.Primary.Value)
		}
		if !isPrimary && !cfg.IsBackup(peerPort) {
			return perr.Newf(perr.Config, "UnknownPort", "port %d is not listed as a backup in %s", peerPort, configPath)
		}
		for _, n := range cfg.Nodes {
			order = append(order, portIdentity(n.Value))
		}

		d, err := udpbroadcast.New(string(self), peerPort, listenAddr, broadcastAddr)
		if err != nil {
			return perr.New(perr.Transport, "DiscoveryStartFailed", err.Error())
		}
		discoverer = d

	default:
		// No network.json: this replica cannot know its peer group in
		// advance, so it runs solo (N=1, f=0), still driving the full
		// PRE-PREPARE/PREPARE/COMMIT/REPLY path against itself. Identity is
		// a fresh uuid since there is no config-derived port to key it by.
		self = consensus.PeerID("solo-" + uuid.NewString()[:8])
		order = []consensus.PeerID{self}
		if isPrimary {
			peerPort = fixedPort
		}
		log.Printf("[%s] no %s found; running solo (N=1, f=0)\n", self, configPath)
	}

	replica := consensus.NewReplica(self, order, 0, consensus.EchoExecutor{})

	ingress, err := clientio.NewIngressQueue(":0", clientio.DefaultCapacity)
	if err != nil {
		return perr.New(perr.Transport, "IngressListenFailed", err.Error())
	}
	defer ingress.Close()
	log.Printf("[%s] client ingress listening on %s\n", self, ingress.Addr())

	peerListenAddr := fmt.Sprintf(":%d", peerPort)
	n, err := node.New(replica, ingress, discoverer, self, peerListenAddr)
	if err != nil {
		return perr.New(perr.Transport, "PeerListenFailed", err.Error())
	}
	defer n.Close()

	if cfgPresent {
		// Config supplies the canonical replica set by port; discovery
		// resolves where each port currently lives. Seeding Addr/connected
		// for the known ports up front lets a single-host demo (all
		// replicas on 127.0.0.1) work even before the first discovery
		// announcement arrives.
		for _, p := range cfg.Nodes {
			id := portIdentity(p.Value)
			if id == self {
				continue
			}
			addr := fmt.Sprintf("127.0.0.1:%d", p.Value)
			replica.AddPeer(id, addr)
			replica.OnConnected(id, addr)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[%s] running as %s (view=%d, N=%d, f=%d)\n", self, role(replica), replica.View(), replica.N(), replica.F())

	n.Run(ctx)

	if discoverer != nil {
		discoverer.Close()
	}
	log.Printf("[%s] shutting down\n", self)
	return nil
}

func role(r *consensus.Replica) string {
	if r.IsPrimary() {
		return "primary"
	}
	return "backup"
}

// loadConfigIfPresent reads network.json if it exists, treating a missing
// file as "no config" rather than a fatal configuration error; a file that
// exists but is malformed is still fatal.
func loadConfigIfPresent(path string) (*config.Config, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, perr.New(perr.Config, "UnreadableConfig", err.Error())
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}
