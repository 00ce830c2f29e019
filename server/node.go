package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"time"

	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/InsAnjara/ProgSys/transfer"
)

// Node serves the master↔node protocol on top of the fragment storage.
type Node struct {
	logger      *log.Logger
	storage     *OnDisk
	idleTimeout time.Duration
}

// NewNode creates *Node
func NewNode(logger *log.Logger, storage *OnDisk, idleTimeout time.Duration) *Node {
	return &Node{
		logger:      logger,
		storage:     storage,
		idleTimeout: idleTimeout,
	}
}

// Serve accepts connections until the context is cancelled.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	n.logger.Printf("Listening for master connections on %s", ln.Addr())

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

		go n.ServeConn(conn)
	}
}

// ServeConn runs the command loop for a single connection and closes it afterwards.
func (n *Node) ServeConn(conn net.Conn) {
	defer conn.Close()

	c := transfer.NewConn(conn, n.idleTimeout)
	c.Logger = n.logger

	for {
		tok, err := c.ReadString()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				n.logger.Printf("Reading command from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		cmd := protocol.ParseCommand(tok)
		if !cmd.IsNodeCommand() {
			n.logger.Printf("Unknown command %q from %s", tok, conn.RemoteAddr())
			c.WriteLine(protocol.FormatStatus(protocol.StatusError, "unknown command"))
			return
		}

		if cmd == protocol.CmdQuit {
			return
		}

		if err := n.handle(c, cmd); err != nil {
			n.logger.Printf("%s from %s: %v", cmd, conn.RemoteAddr(), err)
			return
		}
	}
}

// handle runs one command. A returned error means the stream can not be used anymore.
func (n *Node) handle(c *transfer.Conn, cmd protocol.Command) error {
	switch cmd {
	case protocol.CmdAddPart:
		return n.addPart(c)
	case protocol.CmdGetPart:
		return n.getPart(c)
	case protocol.CmdRemovePart:
		return n.removePart(c)
	case protocol.CmdCheck:
		return n.check(c)
	}

	return nil
}

func (n *Node) addPart(c *transfer.Conn) error {
	name, err := n.storage.Receive(c)
	if err == nil {
		n.logger.Printf("Stored %q", name)
		return c.WriteLine(protocol.StatusSuccess)
	}

	n.logger.Printf("Could not store %q: %v", name, err)

	if writeErr := c.WriteLine(protocol.StatusError); writeErr != nil {
		return writeErr
	}

	var transferErr *transfer.TransferError
	if errors.As(err, &transferErr) {
		return err
	}

	return nil
}

func (n *Node) getPart(c *transfer.Conn) error {
	name, err := c.ReadString()
	if err != nil {
		return err
	}

	found, err := n.storage.Send(c, name)
	if err != nil {
		return err
	}

	if !found {
		n.logger.Printf("Fragment %q requested but not stored", name)
		return nil
	}

	return c.WriteLine(protocol.StatusSuccess)
}

func (n *Node) removePart(c *transfer.Conn) error {
	fileName, err := c.ReadString()
	if err != nil {
		return err
	}

	if err := n.storage.RemoveFile(fileName); err != nil {
		n.logger.Printf("Removing fragments of %q: %v", fileName, err)
		return c.WriteLine(protocol.StatusError)
	}

	return c.WriteLine(protocol.StatusSuccess)
}

func (n *Node) check(c *transfer.Conn) error {
	prefix, err := c.ReadString()
	if err != nil {
		return err
	}

	if err := c.WriteInt32(int32(n.storage.Count(prefix))); err != nil {
		return err
	}

	return c.Flush()
}
