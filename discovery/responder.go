package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/InsAnjara/ProgSys/protocol"
)

// Responder answers discovery requests on behalf of a storage node.
type Responder struct {
	logger       *log.Logger
	pc           net.PacketConn
	commandPort  int
	responsePort int
}

// Listen binds the broadcast port. Several responders on the same host
// can share the port.
func Listen(ctx context.Context, logger *log.Logger, broadcastPort, commandPort, responsePort int) (*Responder, error) {
	lc := net.ListenConfig{Control: controlSocket}

	pc, err := lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(broadcastPort))
	if err != nil {
		return nil, fmt.Errorf("binding broadcast port %d: %w", broadcastPort, err)
	}

	return &Responder{
		logger:       logger,
		pc:           pc,
		commandPort:  commandPort,
		responsePort: responsePort,
	}, nil
}

// Serve answers requests until the context is cancelled. The socket is
// closed when Serve returns.
func (r *Responder) Serve(ctx context.Context) error {
	defer r.pc.Close()

	stop := context.AfterFunc(ctx, func() { r.pc.Close() })
	defer stop()

	reply := []byte(protocol.DiscoverResponse + ":" + strconv.Itoa(r.commandPort))
	buf := make([]byte, maxDatagramSize)

	r.logger.Printf("Answering discovery requests on %s", r.pc.LocalAddr())

	for {
		n, from, err := r.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading discovery request: %w", err)
		}

		if msg := strings.TrimSpace(string(buf[0:n])); msg != protocol.DiscoverRequest {
			r.logger.Printf("Ignoring datagram %q from %s", msg, from)
			continue
		}

		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}

		to := &net.UDPAddr{IP: udpAddr.IP, Port: r.responsePort}
		if _, err := r.pc.WriteTo(reply, to); err != nil {
			r.logger.Printf("Replying to %s: %v", to, err)
		}
	}
}

// Close releases the broadcast port without serving.
func (r *Responder) Close() error {
	return r.pc.Close()
}
