package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/InsAnjara/ProgSys/replication"
	"github.com/InsAnjara/ProgSys/transfer"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const rollbackTimeout = time.Minute

// AddResult describes a stored file.
type AddResult struct {
	Name      string
	Size      int64
	Fragments int

	// Underreplicated lists the fragments that were stored on fewer
	// nodes than requested. The file is stored nevertheless.
	Underreplicated []string
}

// Add reads a file from src, splits it into one fragment per discovered
// node and stores every fragment on up to ReplicationFactor nodes.
func (c *Coordinator) Add(ctx context.Context, src BlobSource) (AddResult, error) {
	roster, err := c.Discover(ctx)
	if err != nil {
		return AddResult{}, multierr.Append(err, src.DiscardBlob())
	}

	if len(roster) == 0 {
		if err := src.DiscardBlob(); err != nil {
			return AddResult{}, fmt.Errorf("discarding upload: %w", err)
		}
		return AddResult{}, ErrNoNodesAvailable
	}

	tmp := filepath.Join(c.opts.TempDir, uuid.NewString())
	defer os.RemoveAll(tmp)

	name, path, err := src.ReceiveBlob(filepath.Join(tmp, "upload"))
	if err != nil {
		return AddResult{Name: name}, fmt.Errorf("receiving upload: %w", err)
	}

	unlock := c.locks.Lock(name)
	defer unlock()

	if _, ok := c.dir.Load(name); ok {
		return AddResult{Name: name}, fmt.Errorf("%q: %w", name, ErrFileExists)
	}

	st, err := os.Stat(path)
	if err != nil {
		return AddResult{Name: name}, err
	}

	digest, err := transfer.DigestFile(path)
	if err != nil {
		return AddResult{Name: name}, err
	}

	fragments, err := splitFile(path, name, len(roster), filepath.Join(tmp, "fragments"))
	if err != nil {
		return AddResult{Name: name}, fmt.Errorf("splitting %q: %w", name, err)
	}

	c.logger.Printf("Storing %q (%d bytes) as %d fragment(s) on %d node(s)", name, st.Size(), len(fragments), len(roster))

	sets, underreplicated, missing := c.place(ctx, roster, fragments)

	if len(missing) > 0 {
		c.rollback(ctx, name, sets)
		return AddResult{Name: name}, &PlacementError{Name: name, Missing: missing}
	}

	c.dir.Store(Entry{
		Name:      name,
		Size:      st.Size(),
		Digest:    digest,
		Fragments: sets,
	})
	c.logger.Printf("Stored %q, the directory holds %d file(s)", name, c.dir.Len())

	if len(underreplicated) > 0 {
		c.logger.Printf("WARNING: %q is stored with fewer than %d replicas for %v", name, c.opts.ReplicationFactor, underreplicated)
	}

	return AddResult{
		Name:            name,
		Size:            st.Size(),
		Fragments:       len(fragments),
		Underreplicated: underreplicated,
	}, nil
}

// splitFile cuts the file into n fragments of ceil(size/n) bytes each.
// The trailing fragments get whatever is left and can be short or empty.
func splitFile(path string, name string, n int, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}

	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	st, err := fp.Stat()
	if err != nil {
		return nil, err
	}

	size := st.Size()
	fragSize := (size + int64(n) - 1) / int64(n)
	remaining := size

	res := make([]string, 0, n)
	for i := 0; i < n; i++ {
		chunk := fragSize
		if chunk > remaining {
			chunk = remaining
		}

		fragPath := filepath.Join(dir, protocol.FragmentName(name, i+1))
		if err := writeFragment(fragPath, fp, chunk); err != nil {
			return nil, err
		}

		remaining -= chunk
		res = append(res, fragPath)
	}

	return res, nil
}

func writeFragment(path string, r io.Reader, size int64) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}

	if _, err := io.CopyN(fp, r, size); err != nil {
		fp.Close()
		return fmt.Errorf("writing %q: %w", path, err)
	}

	return fp.Close()
}

// place sends every fragment to its targets. Replicas of the same fragment
// are sent concurrently, fragments go one after another.
func (c *Coordinator) place(ctx context.Context, roster protocol.Roster, fragments []string) (sets []protocol.ReplicaSet, underreplicated, missing []string) {
	sets = make([]protocol.ReplicaSet, len(fragments))

	for i, fragPath := range fragments {
		fragName := filepath.Base(fragPath)
		targets := replication.Targets(i, len(roster), c.opts.ReplicationFactor)

		confirmed := make([]bool, len(targets))
		var wg sync.WaitGroup

		for j, idx := range targets {
			wg.Add(1)
			go func(j int, addr protocol.NodeAddress) {
				defer wg.Done()

				if err := c.nodes.AddPart(ctx, addr, fragName, fragPath); err != nil {
					c.logger.Printf("Could not store %q on %s: %v", fragName, addr, err)
					return
				}

				confirmed[j] = true
			}(j, roster[idx])
		}

		wg.Wait()

		for j, idx := range targets {
			if confirmed[j] {
				sets[i] = append(sets[i], roster[idx])
			}
		}

		if len(sets[i]) == 0 {
			missing = append(missing, fragName)
		} else if len(sets[i]) < len(targets) {
			underreplicated = append(underreplicated, fragName)
		}
	}

	return sets, underreplicated, missing
}

// rollback removes whatever was stored for a file that could not be placed.
func (c *Coordinator) rollback(ctx context.Context, name string, sets []protocol.ReplicaSet) {
	e := Entry{Name: name, Fragments: sets}

	// The upload may have failed because ctx is done, the cleanup must run anyway.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := c.removeFromNodes(ctx, name, e.Nodes()); err != nil {
		c.logger.Printf("Could not clean up fragments of %q: %v", name, err)
	}
}
