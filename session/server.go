package session

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/InsAnjara/ProgSys/coordinator"
	"github.com/google/uuid"
)

// Store is the part of the coordinator the sessions use.
type Store interface {
	List() []coordinator.Entry
	Add(ctx context.Context, src coordinator.BlobSource) (coordinator.AddResult, error)
	Get(ctx context.Context, name string, send coordinator.SendFunc) error
	Remove(ctx context.Context, name string) error
}

// Server accepts client connections and runs a session for each of them.
type Server struct {
	logger      *log.Logger
	store       Store
	idleTimeout time.Duration
}

// NewServer creates *Server
func NewServer(logger *log.Logger, store Store, idleTimeout time.Duration) *Server {
	return &Server{
		logger:      logger,
		store:       store,
		idleTimeout: idleTimeout,
	}
}

// Serve accepts connections until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Printf("Listening for clients on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		go s.ServeConn(ctx, conn)
	}
}

// ServeConn runs a session on the connection and closes it afterwards.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()[0:8]
	logger := log.New(s.logger.Writer(), s.logger.Prefix()+"["+id+"] ", s.logger.Flags())

	logger.Printf("Client %s connected", conn.RemoteAddr())
	defer logger.Printf("Client %s disconnected", conn.RemoteAddr())

	ss := newSession(logger, s.store, conn, s.idleTimeout)
	ss.run(ctx)
}
