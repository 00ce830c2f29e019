package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/InsAnjara/ProgSys/config"
	"github.com/InsAnjara/ProgSys/coordinator"
	"github.com/InsAnjara/ProgSys/discovery"
	"github.com/InsAnjara/ProgSys/replication"
	"github.com/InsAnjara/ProgSys/server"
	"github.com/InsAnjara/ProgSys/session"
	"github.com/InsAnjara/ProgSys/web"
	"go.uber.org/multierr"
)

const (
	RoleMaster = "master"
	RoleNode   = "node"
)

// InitArgs are the parameters of a single process.
type InitArgs struct {
	LogWriter io.Writer
	Role      string
	Config    config.Config
}

// InitAndServe checks validity of the supplied arguments and serves
// the requested role until the context is cancelled.
func InitAndServe(ctx context.Context, a InitArgs) error {
	if err := a.Config.Validate(); err != nil {
		return err
	}

	if a.LogWriter == nil {
		a.LogWriter = os.Stderr
	}

	logger := log.New(a.LogWriter, "["+a.Role+"] ", log.LstdFlags|log.Lmicroseconds)

	switch a.Role {
	case RoleMaster:
		return serveMaster(ctx, logger, a.Config)
	case RoleNode:
		return serveNode(ctx, logger, a.Config)
	}

	return fmt.Errorf("unknown role %q, must be %q or %q", a.Role, RoleMaster, RoleNode)
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

func checkWritable(dirname string) error {
	if err := os.MkdirAll(dirname, 0777); err != nil {
		return fmt.Errorf("creating directory %q: %w", dirname, err)
	}

	filename := filepath.Join(dirname, "write_test")
	fp, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("creating test file %q: %s", filename, err)
	}
	fp.Close()
	os.Remove(fp.Name())

	return nil
}

func serveNode(ctx context.Context, logger *log.Logger, cfg config.Config) error {
	if err := checkWritable(cfg.Node.StorageDir); err != nil {
		return err
	}

	storage, err := server.NewOnDisk(logger, cfg.Node.StorageDir)
	if err != nil {
		return fmt.Errorf("initialise on-disk storage: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	responder, err := discovery.Listen(ctx, logger, cfg.Discovery.BroadcastPort, cfg.Node.CommandPort, cfg.Discovery.ResponsePort)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", listenAddr(cfg.Node.CommandPort))
	if err != nil {
		responder.Close()
		return fmt.Errorf("listening on command port: %w", err)
	}

	node := server.NewNode(logger, storage, cfg.Network.IdleTimeout)

	errCh := make(chan error, 2)
	go func() { errCh <- responder.Serve(ctx) }()
	go func() { errCh <- node.Serve(ctx, ln) }()

	return waitAll(cancel, errCh, 2)
}

func serveMaster(ctx context.Context, logger *log.Logger, cfg config.Config) error {
	tempDir := cfg.MasterTempDir()
	if err := checkWritable(tempDir); err != nil {
		return err
	}

	disc := discovery.NewDiscoverer(logger, discovery.Options{
		ResponsePort: cfg.Discovery.ResponsePort,
		Targets:      cfg.BroadcastTargets(),
		Window:       cfg.Discovery.Window,
	})

	nodes := replication.NewClient(logger, cfg.Network.DialTimeout, cfg.Network.IdleTimeout)

	coord := coordinator.New(logger, disc, nodes, coordinator.Options{
		ReplicationFactor: cfg.Master.ReplicationFactor,
		TempDir:           tempDir,
		RecoverMissing:    cfg.Master.RecoverMissing,
	})

	ln, err := net.Listen("tcp", listenAddr(cfg.Master.ClientPort))
	if err != nil {
		return fmt.Errorf("listening on client port: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	n := 1

	go func() { errCh <- session.NewServer(logger, coord, cfg.Network.IdleTimeout).Serve(ctx, ln) }()

	if cfg.Master.StatusAddr != "" {
		n++
		statusSrv := web.NewServer(logger, cfg.Master.StatusAddr, coord, cfg.Network.IdleTimeout)

		go func() { errCh <- statusSrv.Serve() }()
		context.AfterFunc(ctx, func() {
			if err := statusSrv.Shutdown(); err != nil {
				logger.Printf("Shutting down the status endpoint: %v", err)
			}
		})

		logger.Printf("Serving status endpoint on %s", cfg.Master.StatusAddr)
	}

	return waitAll(cancel, errCh, n)
}

// waitAll waits for n servers to stop. The first failure stops the others.
func waitAll(cancel context.CancelFunc, errCh chan error, n int) error {
	var res error

	for i := 0; i < n; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, net.ErrClosed) {
			res = multierr.Append(res, err)
			cancel()
		}
	}

	return res
}
