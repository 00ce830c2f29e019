package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/InsAnjara/ProgSys/config"
	"github.com/InsAnjara/ProgSys/integration"
)

var (
	role       = flag.String("role", integration.RoleNode, "Either `master` or `node`")
	configPath = flag.String("config", "progsys.yaml", "Path to the YAML configuration file, defaults are used if it does not exist")

	clientPort        = flag.Int("client-port", 0, "Port the master listens on for clients (overrides the config)")
	commandPort       = flag.Int("command-port", 0, "Port the storage node listens on for the master (overrides the config)")
	storageDir        = flag.String("storage-dir", "", "The directory where the storage node keeps fragments (overrides the config)")
	replicationFactor = flag.Int("replication-factor", 0, "How many nodes receive every fragment (overrides the config)")
	statusAddr        = flag.String("status-addr", "", "Address of the master's HTTP status endpoint, e.g. 127.0.0.1:8080 (overrides the config)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Could not load configuration: %v", err)
	}

	if *clientPort != 0 {
		cfg.Master.ClientPort = *clientPort
	}
	if *commandPort != 0 {
		cfg.Node.CommandPort = *commandPort
	}
	if *storageDir != "" {
		cfg.Node.StorageDir = *storageDir
	}
	if *replicationFactor != 0 {
		cfg.Master.ReplicationFactor = *replicationFactor
	}
	if *statusAddr != "" {
		cfg.Master.StatusAddr = *statusAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = integration.InitAndServe(ctx, integration.InitArgs{
		LogWriter: os.Stderr,
		Role:      *role,
		Config:    cfg,
	})
	if err != nil {
		log.Fatalf("InitAndServe failed: %v", err)
	}
}
