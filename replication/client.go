package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/InsAnjara/ProgSys/transfer"
	"github.com/google/uuid"
)

// ErrNotFound means that the node does not store the requested fragment.
var ErrNotFound = errors.New("fragment not found on the node")

// Client talks to the storage nodes. Every call uses its own connection.
type Client struct {
	logger      *log.Logger
	dialTimeout time.Duration
	idleTimeout time.Duration
}

// NewClient initialises the storage node client.
func NewClient(logger *log.Logger, dialTimeout, idleTimeout time.Duration) *Client {
	return &Client{
		logger:      logger,
		dialTimeout: dialTimeout,
		idleTimeout: idleTimeout,
	}
}

type nodeConn struct {
	*transfer.Conn

	conn net.Conn
	stop func() bool
}

func (n *nodeConn) close() {
	n.stop()
	n.WriteLine(protocol.CmdQuit.String())
	n.conn.Close()
}

func (c *Client) dial(ctx context.Context, addr protocol.NodeAddress) (*nodeConn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	tc := transfer.NewConn(conn, c.idleTimeout)
	tc.Logger = c.logger

	return &nodeConn{
		Conn: tc,
		conn: conn,
		// Blocked reads and writes fail as soon as the context is done.
		stop: context.AfterFunc(ctx, func() { conn.Close() }),
	}, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func expectSuccess(c *nodeConn) error {
	reply, err := c.ReadString()
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}

	if kind, msg := protocol.ParseStatus(reply); kind != protocol.StatusSuccess {
		return fmt.Errorf("node replied %q: %s", kind, msg)
	}

	return nil
}

// AddPart uploads the file at path to the node under the given fragment name.
func (c *Client) AddPart(ctx context.Context, addr protocol.NodeAddress, name string, path string) error {
	nc, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer nc.close()

	if err := nc.WriteString(protocol.CmdAddPart.String()); err != nil {
		return ctxErr(ctx, err)
	}

	if err := nc.SendFile(name, path); err != nil {
		return ctxErr(ctx, fmt.Errorf("ADD_PART %q to %s: %w", name, addr, err))
	}

	if err := expectSuccess(nc); err != nil {
		return ctxErr(ctx, fmt.Errorf("ADD_PART %q to %s: %w", name, addr, err))
	}

	return nil
}

// GetPart downloads the fragment into destDir and returns the path of
// the verified copy. ErrNotFound is returned if the node does not have it.
func (c *Client) GetPart(ctx context.Context, addr protocol.NodeAddress, name string, destDir string) (path string, err error) {
	nc, err := c.dial(ctx, addr)
	if err != nil {
		return "", err
	}
	defer nc.close()

	if err := nc.WriteString(protocol.CmdGetPart.String()); err != nil {
		return "", ctxErr(ctx, err)
	}

	if err := nc.WriteLine(name); err != nil {
		return "", ctxErr(ctx, err)
	}

	// Hidden names are never valid fragment names.
	stage := filepath.Join(destDir, "."+uuid.NewString())
	defer os.RemoveAll(stage)

	gotName, staged, err := nc.ReceiveBlob(stage)
	if errors.Is(err, transfer.ErrAbsent) {
		return "", fmt.Errorf("GET_PART %q from %s: %w", name, addr, ErrNotFound)
	} else if err != nil {
		return "", ctxErr(ctx, fmt.Errorf("GET_PART %q from %s: %w", name, addr, err))
	}

	if gotName != name {
		return "", fmt.Errorf("GET_PART %q from %s: node sent %q instead", name, addr, gotName)
	}

	if err := expectSuccess(nc); err != nil {
		return "", ctxErr(ctx, fmt.Errorf("GET_PART %q from %s: %w", name, addr, err))
	}

	path = filepath.Join(destDir, name)
	if err := os.Rename(staged, path); err != nil {
		return "", fmt.Errorf("GET_PART %q from %s: %w", name, addr, err)
	}

	return path, nil
}

// RemoveFile asks the node to delete all fragments of the file.
func (c *Client) RemoveFile(ctx context.Context, addr protocol.NodeAddress, fileName string) error {
	nc, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer nc.close()

	if err := nc.WriteString(protocol.CmdRemovePart.String()); err != nil {
		return ctxErr(ctx, err)
	}

	if err := nc.WriteLine(fileName); err != nil {
		return ctxErr(ctx, err)
	}

	if err := expectSuccess(nc); err != nil {
		return ctxErr(ctx, fmt.Errorf("REMOVE_PART %q on %s: %w", fileName, addr, err))
	}

	return nil
}

// Check returns the number of blobs stored on the node whose name starts with prefix.
func (c *Client) Check(ctx context.Context, addr protocol.NodeAddress, prefix string) (int, error) {
	nc, err := c.dial(ctx, addr)
	if err != nil {
		return 0, err
	}
	defer nc.close()

	if err := nc.WriteString(protocol.CmdCheck.String()); err != nil {
		return 0, ctxErr(ctx, err)
	}

	if err := nc.WriteLine(prefix); err != nil {
		return 0, ctxErr(ctx, err)
	}

	n, err := nc.ReadInt32()
	if err != nil {
		return 0, ctxErr(ctx, fmt.Errorf("CHECK %q on %s: %w", prefix, addr, err))
	}

	return int(n), nil
}
