package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/InsAnjara/ProgSys/protocol"
)

const maxDatagramSize = 1024

var errMalformedResponse = errors.New("malformed discovery response")

// Options configure a Discoverer.
type Options struct {
	// ResponsePort is the UDP port the nodes send their replies to.
	ResponsePort int
	// Targets are the host:port addresses the request is sent to,
	// usually a single broadcast address.
	Targets []string
	// Window is how long replies are collected for.
	Window time.Duration
}

// Discoverer finds storage nodes by broadcasting a request and collecting replies.
type Discoverer struct {
	logger *log.Logger
	opts   Options

	// mu serialises rounds since they all bind the same response port.
	mu sync.Mutex
}

// NewDiscoverer creates *Discoverer
func NewDiscoverer(logger *log.Logger, opts Options) *Discoverer {
	return &Discoverer{
		logger: logger,
		opts:   opts,
	}
}

// BroadcastTarget is the default request destination for the broadcast port.
func BroadcastTarget(broadcastPort int) string {
	return net.JoinHostPort("255.255.255.255", strconv.Itoa(broadcastPort))
}

// Discover runs one discovery round. An empty roster is not an error.
func (d *Discoverer) Discover(ctx context.Context) (protocol.Roster, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lc := net.ListenConfig{Control: controlSocket}

	// Bind before sending so that no reply is lost.
	pc, err := lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(d.opts.ResponsePort))
	if err != nil {
		return nil, fmt.Errorf("binding response port %d: %w", d.opts.ResponsePort, err)
	}
	defer pc.Close()

	if err := d.sendRequests(pc); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(d.opts.Window)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	pc.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { pc.SetReadDeadline(time.Now()) })
	defer stop()

	var addrs []protocol.NodeAddress
	seen := make(map[protocol.NodeAddress]bool)
	buf := make([]byte, maxDatagramSize)

	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return nil, fmt.Errorf("reading discovery responses: %w", err)
		}

		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}

		port, err := ParseResponse(string(buf[0:n]))
		if err != nil {
			d.logger.Printf("Ignoring datagram from %s: %v", from, err)
			continue
		}

		addr := protocol.NodeAddress{Host: udpAddr.IP.String(), Port: port}
		if seen[addr] {
			d.logger.Printf("Duplicate discovery response from %s", addr)
			continue
		}

		seen[addr] = true
		addrs = append(addrs, addr)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	roster := protocol.NewRoster(addrs)
	d.logger.Printf("Discovered %d storage node(s): %v", len(roster), roster)

	return roster, nil
}

func (d *Discoverer) sendRequests(pc net.PacketConn) error {
	var sent int

	for _, target := range d.opts.Targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			d.logger.Printf("Resolving discovery target %q: %v", target, err)
			continue
		}

		if _, err := pc.WriteTo([]byte(protocol.DiscoverRequest), addr); err != nil {
			d.logger.Printf("Sending discovery request to %s: %v", addr, err)
			continue
		}

		sent++
	}

	if sent == 0 && len(d.opts.Targets) > 0 {
		return fmt.Errorf("could not send the discovery request to any of %v", d.opts.Targets)
	}

	return nil
}

// ParseResponse extracts the advertised command port from "SLAVE_AVAILABLE:<port>".
func ParseResponse(msg string) (port int, err error) {
	msg = strings.TrimSpace(msg)

	portStr, ok := strings.CutPrefix(msg, protocol.DiscoverResponse+":")
	if !ok {
		return 0, fmt.Errorf("%q: %w", msg, errMalformedResponse)
	}

	port, err = strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%q: bad port: %w", msg, errMalformedResponse)
	}

	return port, nil
}
