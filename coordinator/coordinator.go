package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/InsAnjara/ProgSys/generics/keylock"
	"github.com/InsAnjara/ProgSys/protocol"
)

// Discoverer finds the storage nodes that are currently up.
type Discoverer interface {
	Discover(ctx context.Context) (protocol.Roster, error)
}

// NodeClient performs fragment operations on the storage nodes.
type NodeClient interface {
	AddPart(ctx context.Context, addr protocol.NodeAddress, name string, path string) error
	GetPart(ctx context.Context, addr protocol.NodeAddress, name string, destDir string) (path string, err error)
	RemoveFile(ctx context.Context, addr protocol.NodeAddress, fileName string) error
	Check(ctx context.Context, addr protocol.NodeAddress, prefix string) (int, error)
}

// BlobSource is the stream an uploaded file is read from.
type BlobSource interface {
	ReceiveBlob(destDir string) (name string, path string, err error)
	DiscardBlob() error
}

// Options configure a Coordinator.
type Options struct {
	ReplicationFactor int

	// TempDir holds uploads and downloads while they are being split or merged.
	TempDir string

	// RecoverMissing lets Get look for files that are not in the directory
	// on the storage nodes.
	RecoverMissing bool
}

// Coordinator keeps track of the fragments of every file and moves
// them between the clients and the storage nodes.
type Coordinator struct {
	logger     *log.Logger
	opts       Options
	discoverer Discoverer
	nodes      NodeClient

	dir   *Directory
	locks *keylock.Map[string]

	// rosterMu protects roster
	rosterMu sync.RWMutex
	roster   protocol.Roster
}

// New creates *Coordinator
func New(logger *log.Logger, discoverer Discoverer, nodes NodeClient, opts Options) *Coordinator {
	if opts.ReplicationFactor < 1 {
		opts.ReplicationFactor = 1
	}

	return &Coordinator{
		logger:     logger,
		opts:       opts,
		discoverer: discoverer,
		nodes:      nodes,
		dir:        NewDirectory(),
		locks:      keylock.New[string](),
	}
}

// Discover runs a discovery round and remembers its result.
func (c *Coordinator) Discover(ctx context.Context) (protocol.Roster, error) {
	roster, err := c.discoverer.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering storage nodes: %w", err)
	}

	c.rosterMu.Lock()
	c.roster = roster
	c.rosterMu.Unlock()

	return roster, nil
}

// Roster returns the result of the last discovery round.
func (c *Coordinator) Roster() protocol.Roster {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()

	return c.roster
}

// List returns all stored files ordered by name.
func (c *Coordinator) List() []Entry {
	return c.dir.Entries()
}

// Lookup returns the directory entry of the file.
func (c *Coordinator) Lookup(name string) (Entry, bool) {
	return c.dir.Load(name)
}
