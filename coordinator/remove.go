package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/InsAnjara/ProgSys/protocol"
	"go.uber.org/multierr"
)

// Remove deletes the file from every node that holds its fragments. The
// directory entry is only dropped when all of them confirmed the deletion.
func (c *Coordinator) Remove(ctx context.Context, name string) error {
	unlock := c.locks.Lock(name)
	defer unlock()

	e, ok := c.dir.Load(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrFileNotFound)
	}

	if err := c.removeFromNodes(ctx, name, e.Nodes()); err != nil {
		return err
	}

	c.dir.Delete(name)
	c.logger.Printf("Removed %q, the directory holds %d file(s)", name, c.dir.Len())

	return nil
}

func (c *Coordinator) removeFromNodes(ctx context.Context, name string, nodes []protocol.NodeAddress) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   error
		failed []protocol.NodeAddress
	)

	for _, addr := range nodes {
		wg.Add(1)
		go func(addr protocol.NodeAddress) {
			defer wg.Done()

			err := c.nodes.RemoveFile(ctx, addr, name)
			if err == nil {
				return
			}

			mu.Lock()
			errs = multierr.Append(errs, err)
			failed = append(failed, addr)
			mu.Unlock()
		}(addr)
	}

	wg.Wait()

	if errs == nil {
		return nil
	}

	protocol.SortNodes(failed)
	return &RemoveError{Name: name, Failed: failed, Err: errs}
}
