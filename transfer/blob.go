package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/InsAnjara/ProgSys/protocol"
)

const progressStep = 1024 * 1024

// ErrAbsent is returned by ReceiveBlob when the peer signalled that it does
// not have the requested blob.
var ErrAbsent = errors.New("blob is absent")

// ErrInvalidName is returned when the announced blob name is not a plain file
// name. The payload is consumed, so the stream stays usable.
var ErrInvalidName = errors.New("invalid blob name")

// IntegrityError means that the received bytes do not match the digest
// announced by the sender. The received file has been deleted.
type IntegrityError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("digest mismatch for %q: expected %s, got %s", e.Name, e.Expected, e.Actual)
}

// TransferError means that the blob could not be received completely.
// The stream must not be used after that.
type TransferError struct {
	Name string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("receiving blob: %v", e.Err)
	}
	return fmt.Sprintf("receiving blob %q: %v", e.Name, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// SendFile sends the file contents as a blob named name.
func (c *Conn) SendFile(name string, path string) error {
	fp, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer fp.Close()

	st, err := fp.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}

	if !st.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file", path)
	}

	digest, err := Digest(fp)
	if err != nil {
		return fmt.Errorf("digest %q: %w", path, err)
	}

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return c.SendBlob(name, st.Size(), digest, fp)
}

// SendBytes sends the in-memory contents as a blob named name.
func (c *Conn) SendBytes(name string, data []byte) error {
	digest, err := Digest(bytes.NewReader(data))
	if err != nil {
		return err
	}

	return c.SendBlob(name, int64(len(data)), digest, bytes.NewReader(data))
}

// SendBlob writes the blob frame: name, size, digest and exactly size bytes from r.
// The digest is sent as is, so the caller is responsible for computing it.
func (c *Conn) SendBlob(name string, size int64, digest string, r io.Reader) error {
	if err := c.WriteString(name); err != nil {
		return err
	}

	if err := c.WriteInt64(size); err != nil {
		return err
	}

	if err := c.WriteString(digest); err != nil {
		return err
	}

	pw := &progressWriter{c: c, name: name, total: size}

	n, err := io.CopyN(io.MultiWriter(c.w, pw), r, size)
	if err != nil {
		return fmt.Errorf("sending %q (%d of %d bytes): %w", name, n, size, err)
	}

	return c.Flush()
}

// SendAbsent signals that the blob named name is not available.
func (c *Conn) SendAbsent(name string) error {
	if err := c.WriteString(name); err != nil {
		return err
	}

	if err := c.WriteInt64(-1); err != nil {
		return err
	}

	return c.Flush()
}

// ReceiveBlob reads one blob frame and stores the payload into destDir.
// The directory is created if needed. The stored file is verified against
// the announced digest and removed if anything goes wrong.
func (c *Conn) ReceiveBlob(destDir string) (name string, path string, err error) {
	name, size, digest, err := c.readHeader()
	if err != nil {
		return name, "", err
	}

	if err := os.MkdirAll(destDir, 0777); err != nil {
		// The payload is still in the stream.
		return name, "", &TransferError{Name: name, Err: fmt.Errorf("creating directory %q: %w", destDir, err)}
	}

	path = filepath.Join(destDir, name)

	fp, err := os.Create(path)
	if err != nil {
		return name, "", &TransferError{Name: name, Err: fmt.Errorf("create %q: %w", path, err)}
	}

	dw := newDigestWriter()
	pw := &progressWriter{c: c, name: name, total: size}

	_, copyErr := io.CopyN(io.MultiWriter(fp, dw, pw), c.r, size)
	closeErr := fp.Close()

	if copyErr != nil {
		os.Remove(path)
		return name, "", &TransferError{Name: name, Err: unexpectedEOF(copyErr)}
	}

	if closeErr != nil {
		os.Remove(path)
		return name, "", &TransferError{Name: name, Err: fmt.Errorf("close %q: %w", path, closeErr)}
	}

	if actual := dw.Sum(); !strings.EqualFold(actual, digest) {
		if err := os.Remove(path); err != nil {
			c.logger().Printf("Could not remove corrupted file %q: %v", path, err)
		}
		return name, "", &IntegrityError{Name: name, Expected: digest, Actual: actual}
	}

	return name, path, nil
}

// DiscardBlob reads one blob frame and drops the payload.
func (c *Conn) DiscardBlob() error {
	name, size, _, err := c.readHeader()
	if errors.Is(err, ErrAbsent) || errors.Is(err, ErrInvalidName) {
		return nil
	} else if err != nil {
		return err
	}

	if _, err := io.CopyN(io.Discard, c.r, size); err != nil {
		return &TransferError{Name: name, Err: unexpectedEOF(err)}
	}

	return nil
}

func (c *Conn) readHeader() (name string, size int64, digest string, err error) {
	name, err = c.ReadString()
	if err != nil {
		return "", 0, "", &TransferError{Err: fmt.Errorf("reading name: %w", err)}
	}

	size, err = c.ReadInt64()
	if err != nil {
		return name, 0, "", &TransferError{Name: name, Err: fmt.Errorf("reading size: %w", unexpectedEOF(err))}
	}

	if size < 0 {
		return name, 0, "", fmt.Errorf("%q: %w", name, ErrAbsent)
	}

	digest, err = c.ReadString()
	if err != nil {
		return name, 0, "", &TransferError{Name: name, Err: fmt.Errorf("reading digest: %w", unexpectedEOF(err))}
	}

	if !protocol.IsValidFileName(name) {
		if _, err := io.CopyN(io.Discard, c.r, size); err != nil {
			return name, 0, "", &TransferError{Name: name, Err: unexpectedEOF(err)}
		}
		return name, 0, "", fmt.Errorf("%q: %w", name, ErrInvalidName)
	}

	return name, size, digest, nil
}

// progressWriter logs every time another MiB of a large blob passes through it.
type progressWriter struct {
	c       *Conn
	name    string
	total   int64
	written int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	before := p.written
	p.written += int64(len(b))

	if p.total >= progressStep && before/progressStep != p.written/progressStep {
		p.c.logger().Printf("%q: %d%% (%d of %d bytes)", p.name, p.written*100/p.total, p.written, p.total)
	}

	return len(b), nil
}
