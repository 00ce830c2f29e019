package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/InsAnjara/ProgSys/coordinator"
	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/InsAnjara/ProgSys/transfer"
)

var errSessionBroken = errors.New("session stream is out of sync")

type session struct {
	logger *log.Logger
	store  Store
	c      *transfer.Conn
}

func newSession(logger *log.Logger, store Store, conn net.Conn, idleTimeout time.Duration) *session {
	c := transfer.NewConn(conn, idleTimeout)
	c.Logger = logger

	return &session{
		logger: logger,
		store:  store,
		c:      c,
	}
}

func (s *session) run(ctx context.Context) {
	for {
		tok, err := s.c.ReadString()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Printf("Reading command: %v", err)
			}
			return
		}

		cmd := protocol.ParseCommand(tok)
		if !cmd.IsClientCommand() {
			s.logger.Printf("Unknown command %q", tok)
			s.c.WriteLine(protocol.FormatStatus(protocol.StatusError, "unknown command"))
			return
		}

		if cmd == protocol.CmdQuit {
			return
		}

		if err := s.handle(ctx, cmd); err != nil {
			s.logger.Printf("%s: %v", cmd, err)
			return
		}
	}
}

// handle runs one command. A returned error ends the session.
func (s *session) handle(ctx context.Context, cmd protocol.Command) error {
	switch cmd {
	case protocol.CmdList:
		return s.list()
	case protocol.CmdAdd:
		return s.add(ctx)
	case protocol.CmdGet:
		return s.get(ctx)
	case protocol.CmdRemove:
		return s.remove(ctx)
	}

	return nil
}

func (s *session) list() error {
	entries := s.store.List()

	if err := s.c.WriteInt32(int32(len(entries))); err != nil {
		return err
	}

	for _, e := range entries {
		if err := s.c.WriteString(e.Name); err != nil {
			return err
		}

		if err := s.c.WriteInt32(int32(len(e.Fragments))); err != nil {
			return err
		}
	}

	return s.c.Flush()
}

func (s *session) add(ctx context.Context) error {
	res, err := s.store.Add(ctx, s.c)

	var status string
	switch {
	case err != nil:
		s.logger.Printf("Adding %q failed: %v", res.Name, err)
		status = protocol.FormatStatus(protocol.StatusError, addErrorMessage(res.Name, err))
	case len(res.Underreplicated) > 0:
		status = protocol.FormatStatus(protocol.StatusWarning, fmt.Sprintf("%q stored, but %s have fewer replicas than requested", res.Name, strings.Join(res.Underreplicated, ", ")))
	default:
		status = protocol.FormatStatus(protocol.StatusSuccess, fmt.Sprintf("%q stored as %d fragment(s)", res.Name, res.Fragments))
	}

	if writeErr := s.c.WriteLine(status); writeErr != nil {
		return writeErr
	}

	var transferErr *transfer.TransferError
	if errors.As(err, &transferErr) {
		return err
	}

	return nil
}

func addErrorMessage(name string, err error) string {
	switch {
	case errors.Is(err, coordinator.ErrNoNodesAvailable):
		return "no storage nodes available"
	case errors.Is(err, coordinator.ErrFileExists):
		return fmt.Sprintf("%q already exists", name)
	case errors.Is(err, transfer.ErrInvalidName):
		return fmt.Sprintf("%q is not a valid file name", name)
	}

	var integrityErr *transfer.IntegrityError
	if errors.As(err, &integrityErr) {
		return fmt.Sprintf("%q was corrupted during upload", name)
	}

	return err.Error()
}

func (s *session) get(ctx context.Context) error {
	name, err := s.c.ReadString()
	if err != nil {
		return err
	}

	var started bool
	err = s.store.Get(ctx, name, func(name string, path string) error {
		started = true

		if err := s.c.WriteString(protocol.StatusSuccess); err != nil {
			return err
		}

		return s.c.SendFile(name, path)
	})

	if err == nil {
		return nil
	}

	if started {
		return fmt.Errorf("sending %q: %w: %v", name, errSessionBroken, err)
	}

	s.logger.Printf("Getting %q failed: %v", name, err)

	msg := err.Error()
	if errors.Is(err, coordinator.ErrFileNotFound) {
		msg = fmt.Sprintf("%q not found", name)
	}

	return s.c.WriteLine(protocol.FormatStatus(protocol.StatusError, msg))
}

func (s *session) remove(ctx context.Context) error {
	name, err := s.c.ReadString()
	if err != nil {
		return err
	}

	err = s.store.Remove(ctx, name)

	var removeErr *coordinator.RemoveError

	var status string
	switch {
	case err == nil:
		status = protocol.FormatStatus(protocol.StatusSuccess, fmt.Sprintf("%q removed", name))
	case errors.Is(err, coordinator.ErrFileNotFound):
		status = protocol.FormatStatus(protocol.StatusError, fmt.Sprintf("%q not found", name))
	case errors.As(err, &removeErr):
		status = protocol.FormatStatus(protocol.StatusError, fmt.Sprintf("partial failure: %v did not remove %q", removeErr.Failed, name))
	default:
		status = protocol.FormatStatus(protocol.StatusError, err.Error())
	}

	if err != nil {
		s.logger.Printf("Removing %q failed: %v", name, err)
	}

	return s.c.WriteLine(status)
}
