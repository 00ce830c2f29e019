package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/InsAnjara/ProgSys/replication"
	"github.com/InsAnjara/ProgSys/transfer"
)

var errNodeDown = errors.New("connection refused")

type fakeDiscoverer struct {
	roster protocol.Roster
}

func (f *fakeDiscoverer) Discover(ctx context.Context) (protocol.Roster, error) {
	return f.roster, nil
}

// fakeNodes keeps the fragments of every node in memory.
type fakeNodes struct {
	mu         sync.Mutex
	stored     map[protocol.NodeAddress]map[string][]byte
	down       map[protocol.NodeAddress]bool
	corrupt    map[protocol.NodeAddress]bool
	failRemove map[protocol.NodeAddress]bool
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{
		stored:     make(map[protocol.NodeAddress]map[string][]byte),
		down:       make(map[protocol.NodeAddress]bool),
		corrupt:    make(map[protocol.NodeAddress]bool),
		failRemove: make(map[protocol.NodeAddress]bool),
	}
}

func (f *fakeNodes) AddPart(ctx context.Context, addr protocol.NodeAddress, name string, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down[addr] {
		return errNodeDown
	}

	if f.stored[addr] == nil {
		f.stored[addr] = make(map[string][]byte)
	}
	f.stored[addr][name] = data

	return nil
}

func (f *fakeNodes) GetPart(ctx context.Context, addr protocol.NodeAddress, name string, destDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down[addr] {
		return "", errNodeDown
	}

	if f.corrupt[addr] {
		return "", &transfer.IntegrityError{Name: name, Expected: "a", Actual: "b"}
	}

	data, ok := f.stored[addr][name]
	if !ok {
		return "", fmt.Errorf("GET_PART %q from %s: %w", name, addr, replication.ErrNotFound)
	}

	if err := os.MkdirAll(destDir, 0777); err != nil {
		return "", err
	}

	path := filepath.Join(destDir, name)
	return path, os.WriteFile(path, data, 0666)
}

func (f *fakeNodes) RemoveFile(ctx context.Context, addr protocol.NodeAddress, fileName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down[addr] || f.failRemove[addr] {
		return errNodeDown
	}

	for name := range f.stored[addr] {
		if protocol.IsFragmentOf(name, fileName) {
			delete(f.stored[addr], name)
		}
	}

	return nil
}

func (f *fakeNodes) Check(ctx context.Context, addr protocol.NodeAddress, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down[addr] {
		return 0, errNodeDown
	}

	var n int
	for name := range f.stored[addr] {
		if strings.HasPrefix(name, prefix) {
			n++
		}
	}

	return n, nil
}

func (f *fakeNodes) setDown(addr protocol.NodeAddress, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.down[addr] = down
}

func (f *fakeNodes) fragment(addr protocol.NodeAddress, name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.stored[addr][name]
	return data, ok
}

func (f *fakeNodes) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int
	for _, m := range f.stored {
		n += len(m)
	}
	return n
}

func testRoster(k int) protocol.Roster {
	var addrs []protocol.NodeAddress
	for i := 0; i < k; i++ {
		addrs = append(addrs, protocol.NodeAddress{Host: "10.0.0.1", Port: 7000 + i})
	}
	return protocol.NewRoster(addrs)
}

func testCoordinator(t *testing.T, roster protocol.Roster, nodes *fakeNodes, r int) *Coordinator {
	t.Helper()

	return New(log.Default(), &fakeDiscoverer{roster: roster}, nodes, Options{
		ReplicationFactor: r,
		TempDir:           t.TempDir(),
	})
}

func uploadStream(t *testing.T, name string, data []byte) *transfer.Conn {
	t.Helper()

	var buf bytes.Buffer
	c := transfer.NewConn(&buf, 0)
	if err := c.SendBytes(name, data); err != nil {
		t.Fatalf("SendBytes(%q) = %v", name, err)
	}

	return c
}

func testAdd(t *testing.T, c *Coordinator, name string, data []byte) AddResult {
	t.Helper()

	src := uploadStream(t, name, data)

	res, err := c.Add(context.Background(), src)
	if err != nil {
		t.Fatalf("Add(%q, %d bytes) = %v; want no errors", name, len(data), err)
	}

	return res
}

func testGet(t *testing.T, c *Coordinator, name string) ([]byte, error) {
	t.Helper()

	var got []byte
	err := c.Get(context.Background(), name, func(sentName string, path string) error {
		if sentName != name {
			t.Errorf("send() got name %q; want %q", sentName, name)
		}

		data, err := os.ReadFile(path)
		got = data
		return err
	})

	return got, err
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}
