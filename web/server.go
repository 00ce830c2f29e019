package web

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"time"

	"github.com/InsAnjara/ProgSys/coordinator"
	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/valyala/fasthttp"
)

// Status is what the status endpoint reports on.
type Status interface {
	List() []coordinator.Entry
	Roster() protocol.Roster
	Discover(ctx context.Context) (protocol.Roster, error)
	Locate(ctx context.Context, name string) ([]coordinator.Location, error)
}

// Server implements a read-only HTTP status endpoint for the master.
type Server struct {
	logger     *log.Logger
	listenAddr string
	status     Status
	srv        *fasthttp.Server
}

// NewServer creates *Server. Connections that stay idle for longer than
// idleTimeout are closed, so Shutdown does not wait for keep-alive clients.
func NewServer(logger *log.Logger, listenAddr string, status Status, idleTimeout time.Duration) *Server {
	s := &Server{
		logger:     logger,
		listenAddr: listenAddr,
		status:     status,
	}

	s.srv = &fasthttp.Server{
		Handler:      s.handler,
		Name:         "progsys-master",
		ReadTimeout:  idleTimeout,
		WriteTimeout: idleTimeout,
		IdleTimeout:  idleTimeout,
	}

	return s
}

func (s *Server) handler(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/health":
		ctx.WriteString("ok")
	case "/files":
		s.filesHandler(ctx)
	case "/nodes":
		s.nodesHandler(ctx)
	case "/discover":
		s.discoverHandler(ctx)
	case "/locate":
		s.locateHandler(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.WriteString("not found")
	}
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	ctx.SetContentType("application/json")

	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		s.logger.Printf("error encoding response for %s: %v", ctx.Path(), err)
	}
}

func (s *Server) filesHandler(ctx *fasthttp.RequestCtx) {
	s.writeJSON(ctx, s.status.List())
}

func (s *Server) nodesHandler(ctx *fasthttp.RequestCtx) {
	roster := s.status.Roster()
	if roster == nil {
		roster = protocol.Roster{}
	}

	s.writeJSON(ctx, roster)
}

func (s *Server) discoverHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		ctx.WriteString("use POST")
		return
	}

	roster, err := s.status.Discover(ctx)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.WriteString(err.Error())
		return
	}

	if roster == nil {
		roster = protocol.Roster{}
	}

	s.writeJSON(ctx, roster)
}

func (s *Server) locateHandler(ctx *fasthttp.RequestCtx) {
	name := ctx.QueryArgs().Peek("name")
	if len(name) == 0 {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.WriteString("bad `name` GET param: file name must be provided")
		return
	}

	locs, err := s.status.Locate(ctx, string(name))
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.WriteString(err.Error())
		return
	}

	s.writeJSON(ctx, locs)
}

// Serve listens to HTTP connections on the configured address.
func (s *Server) Serve() error {
	return s.srv.ListenAndServe(s.listenAddr)
}

// ServeListener serves HTTP connections accepted by ln.
func (s *Server) ServeListener(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
