package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/InsAnjara/ProgSys/replication"
	"github.com/google/uuid"
)

// Location is the number of blobs a node stores under the fragment prefix of a file.
type Location struct {
	Node      protocol.NodeAddress `json:"node"`
	Fragments int                  `json:"fragments"`
}

// Locate asks every discovered node how many fragments of the file it
// stores. Nodes that could not be asked are left out.
func (c *Coordinator) Locate(ctx context.Context, name string) ([]Location, error) {
	roster, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	prefix := protocol.FragmentPrefix(name)
	res := make([]Location, len(roster))
	ok := make([]bool, len(roster))

	var wg sync.WaitGroup
	for i, addr := range roster {
		wg.Add(1)
		go func(i int, addr protocol.NodeAddress) {
			defer wg.Done()

			n, err := c.nodes.Check(ctx, addr, prefix)
			if err != nil {
				c.logger.Printf("CHECK %q on %s: %v", prefix, addr, err)
				return
			}

			res[i] = Location{Node: addr, Fragments: n}
			ok[i] = true
		}(i, addr)
	}
	wg.Wait()

	locs := make([]Location, 0, len(roster))
	for i := range res {
		if ok[i] {
			locs = append(locs, res[i])
		}
	}

	return locs, nil
}

// Recover rebuilds the directory entry of a file that the nodes store but
// the directory does not know about. Fragments are fetched in order until
// none of the holders has the next one, so a fragment lost on every node
// ends the file early.
func (c *Coordinator) Recover(ctx context.Context, name string) (Entry, error) {
	if !protocol.IsValidFileName(name) {
		return Entry{}, fmt.Errorf("%q: %w", name, ErrFileNotFound)
	}

	unlock := c.locks.Lock(name)
	defer unlock()

	if e, ok := c.dir.Load(name); ok {
		return e, nil
	}

	locs, err := c.Locate(ctx, name)
	if err != nil {
		return Entry{}, err
	}

	var holders protocol.ReplicaSet
	var maxFragments int
	for _, l := range locs {
		if l.Fragments > 0 {
			holders = append(holders, l.Node)
			maxFragments += l.Fragments
		}
	}

	if len(holders) == 0 {
		return Entry{}, fmt.Errorf("%q: %w", name, ErrFileNotFound)
	}

	tmp := filepath.Join(c.opts.TempDir, uuid.NewString())
	defer os.RemoveAll(tmp)

	fragDir := filepath.Join(tmp, "fragments")

	var paths []string
	for idx := 1; idx <= maxFragments; idx++ {
		path, err := c.fetchFromHolders(ctx, protocol.FragmentName(name, idx), holders, fragDir)
		if errors.Is(err, replication.ErrNotFound) {
			break
		} else if err != nil {
			return Entry{}, err
		}

		paths = append(paths, path)
	}

	if len(paths) == 0 {
		return Entry{}, fmt.Errorf("%q: %w", name, ErrFileNotFound)
	}

	merged := filepath.Join(tmp, "merged", name)

	digest, err := mergeFragments(name, paths, merged)
	if err != nil {
		return Entry{}, err
	}

	st, err := os.Stat(merged)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Name:      name,
		Size:      st.Size(),
		Digest:    digest,
		Fragments: make([]protocol.ReplicaSet, len(paths)),
	}

	for i := range e.Fragments {
		e.Fragments[i] = append(protocol.ReplicaSet(nil), holders...)
	}

	c.dir.Store(e)
	c.logger.Printf("Recovered %q (%d bytes, %d fragment(s)) from %v", name, e.Size, len(paths), holders)

	return e, nil
}

// fetchFromHolders returns replication.ErrNotFound only if every holder
// answered that it does not have the fragment.
func (c *Coordinator) fetchFromHolders(ctx context.Context, fragName string, holders protocol.ReplicaSet, dir string) (string, error) {
	notFound := 0

	for _, addr := range holders {
		path, err := c.nodes.GetPart(ctx, addr, fragName, dir)
		if err == nil {
			return path, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if errors.Is(err, replication.ErrNotFound) {
			notFound++
			continue
		}

		c.logger.Printf("Could not get %q from %s: %v", fragName, addr, err)
	}

	if notFound == len(holders) {
		return "", replication.ErrNotFound
	}

	return "", &FragmentUnavailableError{Fragment: fragName, Tried: holders}
}
