package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Digest returns the hex-encoded MD5 digest of everything read from r.
func Digest(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile returns the digest of the file contents.
func DigestFile(path string) (string, error) {
	fp, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer fp.Close()

	return Digest(fp)
}

type digestWriter struct {
	h hash.Hash
}

func newDigestWriter() *digestWriter {
	return &digestWriter{h: md5.New()}
}

func (d *digestWriter) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

func (d *digestWriter) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
