package transfer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"math"
	"time"
)

const bufSize = 64 * 1024

var errStringTooLong = errors.New("string is longer than 65535 bytes")

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Conn is a framed bidirectional stream. Strings are encoded as an unsigned
// 16-bit big-endian length followed by UTF-8 bytes, integers are big-endian.
type Conn struct {
	Logger *log.Logger

	rw          io.ReadWriter
	r           *bufio.Reader
	w           *bufio.Writer
	idleTimeout time.Duration
}

// NewConn wraps the stream. If the stream supports deadlines and idleTimeout
// is positive, every read and write must make progress within idleTimeout.
func NewConn(rw io.ReadWriter, idleTimeout time.Duration) *Conn {
	c := &Conn{
		rw:          rw,
		idleTimeout: idleTimeout,
	}

	c.r = bufio.NewReaderSize(readerFunc(c.read), bufSize)
	c.w = bufio.NewWriterSize(writerFunc(c.write), bufSize)

	return c
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (c *Conn) touch() {
	if c.idleTimeout <= 0 {
		return
	}

	if d, ok := c.rw.(deadliner); ok {
		d.SetDeadline(time.Now().Add(c.idleTimeout))
	}
}

// SetIdleTimeout replaces the idle timeout and returns the previous one.
// A non-positive timeout also clears the deadline that is currently set.
func (c *Conn) SetIdleTimeout(d time.Duration) (prev time.Duration) {
	prev, c.idleTimeout = c.idleTimeout, d

	if d <= 0 {
		if dl, ok := c.rw.(deadliner); ok {
			dl.SetDeadline(time.Time{})
		}
	}

	return prev
}

func (c *Conn) read(p []byte) (int, error) {
	c.touch()
	return c.rw.Read(p)
}

func (c *Conn) write(p []byte) (int, error) {
	c.touch()
	return c.rw.Write(p)
}

func (c *Conn) logger() *log.Logger {
	if c.Logger == nil {
		return log.Default()
	}

	return c.Logger
}

// Close closes the underlying stream if it is closable.
func (c *Conn) Close() error {
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Flush sends everything buffered so far.
func (c *Conn) Flush() error {
	return c.w.Flush()
}

func (c *Conn) WriteString(s string) error {
	if len(s) > math.MaxUint16 {
		return errStringTooLong
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))

	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}

	_, err := c.w.WriteString(s)
	return err
}

func (c *Conn) ReadString() (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return "", err
	}

	buf := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", unexpectedEOF(err)
	}

	return string(buf), nil
}

func (c *Conn) WriteInt32(v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := c.w.Write(buf[:])
	return err
}

func (c *Conn) ReadInt32() (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func (c *Conn) WriteInt64(v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := c.w.Write(buf[:])
	return err
}

func (c *Conn) ReadInt64() (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// WriteLine writes a string and flushes it. It is used for command tokens
// and status replies, which are always followed by a wait for the peer.
func (c *Conn) WriteLine(s string) error {
	if err := c.WriteString(s); err != nil {
		return err
	}
	return c.Flush()
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
