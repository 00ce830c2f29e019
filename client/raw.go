package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"time"

	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/InsAnjara/ProgSys/transfer"
)

// Raw is a client for the master that speaks the actual wire protocol
// over a single connection. It is not safe for concurrent use.
type Raw struct {
	Logger *log.Logger

	debug        bool
	replyTimeout time.Duration
	conn         net.Conn
	c            *transfer.Conn
}

// FileInfo is one entry of the LIST reply.
type FileInfo struct {
	Name      string
	Fragments int
}

// Status is a status reply of the master.
type Status struct {
	Kind    string
	Message string
}

func (s Status) String() string {
	return protocol.FormatStatus(s.Kind, s.Message)
}

// StatusError is returned when the master replied with an ERROR status.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return e.Status.String()
}

// Dial connects to the master.
func Dial(ctx context.Context, addr string, dialTimeout, idleTimeout time.Duration) (*Raw, error) {
	d := net.Dialer{Timeout: dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	return NewRaw(conn, idleTimeout), nil
}

// NewRaw creates a Raw client on top of an established connection.
func NewRaw(conn net.Conn, idleTimeout time.Duration) *Raw {
	return &Raw{
		conn: conn,
		c:    transfer.NewConn(conn, idleTimeout),
	}
}

// SetDebug either enables or disables debug logging for the client.
func (r *Raw) SetDebug(v bool) {
	r.debug = v
}

// SetReplyTimeout limits how long ADD, GET and REMOVE wait for the master
// to finish working with the storage nodes. Zero means no limit other than
// the context. The idle timeout still applies to the transfers themselves.
func (r *Raw) SetReplyTimeout(d time.Duration) {
	r.replyTimeout = d
}

func (r *Raw) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}

	return r.Logger
}

// watch closes the connection if the context is done before the returned
// function is called. The client is unusable after that.
func (r *Raw) watch(ctx context.Context) (stop func() bool) {
	r.c.Logger = r.logger()
	return context.AfterFunc(ctx, func() { r.conn.Close() })
}

func (r *Raw) wrapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// awaitStatus reads the status of an operation the master may need a long
// time for.
func (r *Raw) awaitStatus() (Status, error) {
	if err := r.c.Flush(); err != nil {
		return Status{}, err
	}

	prev := r.c.SetIdleTimeout(r.replyTimeout)
	defer r.c.SetIdleTimeout(prev)

	return r.readStatus()
}

func (r *Raw) readStatus() (Status, error) {
	line, err := r.c.ReadString()
	if err != nil {
		return Status{}, fmt.Errorf("reading status: %w", err)
	}

	kind, msg := protocol.ParseStatus(line)
	st := Status{Kind: kind, Message: msg}

	if r.debug {
		r.logger().Printf("Master replied %q", line)
	}

	if kind != protocol.StatusSuccess && kind != protocol.StatusWarning {
		return st, &StatusError{Status: st}
	}

	return st, nil
}

// List returns the stored files ordered by name.
func (r *Raw) List(ctx context.Context) (res []FileInfo, err error) {
	defer r.watch(ctx)()

	if err := r.c.WriteLine(protocol.CmdList.String()); err != nil {
		return nil, r.wrapErr(ctx, err)
	}

	n, err := r.c.ReadInt32()
	if err != nil {
		return nil, r.wrapErr(ctx, fmt.Errorf("reading LIST reply: %w", err))
	}

	res = make([]FileInfo, 0, n)
	for i := int32(0); i < n; i++ {
		name, err := r.c.ReadString()
		if err != nil {
			return nil, r.wrapErr(ctx, fmt.Errorf("reading LIST reply: %w", err))
		}

		fragments, err := r.c.ReadInt32()
		if err != nil {
			return nil, r.wrapErr(ctx, fmt.Errorf("reading LIST reply: %w", err))
		}

		res = append(res, FileInfo{Name: name, Fragments: int(fragments)})
	}

	if r.debug {
		r.logger().Printf("LIST returned %+v", res)
	}

	return res, nil
}

// Add uploads the file under its base name.
func (r *Raw) Add(ctx context.Context, path string) (Status, error) {
	return r.AddAs(ctx, filepath.Base(path), path)
}

// AddAs uploads the file under the given name. A WARNING status is not an error.
func (r *Raw) AddAs(ctx context.Context, name string, path string) (Status, error) {
	defer r.watch(ctx)()

	if r.debug {
		r.logger().Printf("Uploading %q as %q", path, name)
	}

	if err := r.c.WriteString(protocol.CmdAdd.String()); err != nil {
		return Status{}, r.wrapErr(ctx, err)
	}

	if err := r.c.SendFile(name, path); err != nil {
		return Status{}, r.wrapErr(ctx, err)
	}

	st, err := r.awaitStatus()
	return st, r.wrapErr(ctx, err)
}

// Get downloads the file into destDir and returns the path of the local copy.
func (r *Raw) Get(ctx context.Context, name string, destDir string) (path string, err error) {
	defer r.watch(ctx)()

	if err := r.c.WriteString(protocol.CmdGet.String()); err != nil {
		return "", r.wrapErr(ctx, err)
	}

	if err := r.c.WriteLine(name); err != nil {
		return "", r.wrapErr(ctx, err)
	}

	if _, err := r.awaitStatus(); err != nil {
		return "", r.wrapErr(ctx, err)
	}

	gotName, path, err := r.c.ReceiveBlob(destDir)
	if err != nil {
		return "", r.wrapErr(ctx, fmt.Errorf("downloading %q: %w", name, err))
	}

	if gotName != name {
		return path, fmt.Errorf("asked for %q, got %q", name, gotName)
	}

	return path, nil
}

// Remove deletes the file.
func (r *Raw) Remove(ctx context.Context, name string) (Status, error) {
	defer r.watch(ctx)()

	if err := r.c.WriteString(protocol.CmdRemove.String()); err != nil {
		return Status{}, r.wrapErr(ctx, err)
	}

	if err := r.c.WriteLine(name); err != nil {
		return Status{}, r.wrapErr(ctx, err)
	}

	st, err := r.awaitStatus()
	return st, r.wrapErr(ctx, err)
}

// Close ends the session and closes the connection.
func (r *Raw) Close() error {
	quitErr := r.c.WriteLine(protocol.CmdQuit.String())

	if err := r.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	if quitErr != nil && !errors.Is(quitErr, net.ErrClosed) {
		return quitErr
	}

	return nil
}
