package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/InsAnjara/ProgSys/generics/heap"
	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/InsAnjara/ProgSys/transfer"
	"github.com/google/uuid"
)

// SendFunc streams the reassembled file to the client.
type SendFunc func(name string, path string) error

// Get reassembles the file from its fragments and passes it to send.
// Every fragment is taken from the first replica that serves it intact.
func (c *Coordinator) Get(ctx context.Context, name string, send SendFunc) error {
	err := c.get(ctx, name, send)
	if !errors.Is(err, ErrFileNotFound) || !c.opts.RecoverMissing {
		return err
	}

	if _, recErr := c.Recover(ctx, name); recErr != nil {
		c.logger.Printf("Could not recover %q from the storage nodes: %v", name, recErr)
		return err
	}

	return c.get(ctx, name, send)
}

func (c *Coordinator) get(ctx context.Context, name string, send SendFunc) error {
	unlock := c.locks.RLock(name)
	defer unlock()

	e, ok := c.dir.Load(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrFileNotFound)
	}

	tmp := filepath.Join(c.opts.TempDir, uuid.NewString())
	defer os.RemoveAll(tmp)

	paths, err := c.fetchFragments(ctx, name, e.Fragments, filepath.Join(tmp, "fragments"))
	if err != nil {
		return err
	}

	merged := filepath.Join(tmp, "merged", name)

	digest, err := mergeFragments(name, paths, merged)
	if err != nil {
		return err
	}

	c.logger.Printf("Reassembled %q from %d fragment(s), digest %s", name, len(paths), digest)

	if e.Digest != "" && digest != e.Digest {
		return fmt.Errorf("%q: expected %s, got %s: %w", name, e.Digest, digest, ErrMergeMismatch)
	}

	return send(name, merged)
}

func (c *Coordinator) fetchFragments(ctx context.Context, name string, sets []protocol.ReplicaSet, dir string) ([]string, error) {
	paths := make([]string, 0, len(sets))

	for i, set := range sets {
		fragName := protocol.FragmentName(name, i+1)

		path, err := c.fetchFragment(ctx, fragName, set, dir)
		if err != nil {
			return nil, err
		}

		paths = append(paths, path)
	}

	return paths, nil
}

func (c *Coordinator) fetchFragment(ctx context.Context, fragName string, set protocol.ReplicaSet, dir string) (string, error) {
	for _, addr := range set {
		path, err := c.nodes.GetPart(ctx, addr, fragName, dir)
		if err == nil {
			return path, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		c.logger.Printf("Could not get %q from %s, trying the next replica: %v", fragName, addr, err)
	}

	return "", &FragmentUnavailableError{Fragment: fragName, Tried: set}
}

type fetchedFragment struct {
	idx  int
	path string
}

// mergeFragments concatenates the fragments of the file in index order
// into dst and returns the digest of the result. The fragment names must
// form the sequence 1..len(paths) exactly.
func mergeFragments(name string, paths []string, dst string) (digest string, err error) {
	h := heap.NewMin(func(a, b fetchedFragment) bool { return a.idx < b.idx })

	for _, path := range paths {
		fileName, idx, err := protocol.ParseFragmentName(filepath.Base(path))
		if err != nil {
			return "", fmt.Errorf("merging %q: %w", name, err)
		}

		if fileName != name {
			return "", fmt.Errorf("merging %q: fragment %q belongs to another file", name, filepath.Base(path))
		}

		h.Push(fetchedFragment{idx: idx, path: path})
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		return "", err
	}

	fp, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	for want := 1; h.Len() > 0; want++ {
		f := h.Pop()

		if f.idx != want {
			fp.Close()
			if f.idx < want {
				return "", fmt.Errorf("merging %q: duplicate fragment %d", name, f.idx)
			}
			return "", fmt.Errorf("merging %q: fragment %d is missing", name, want)
		}

		if err := appendFile(fp, f.path); err != nil {
			fp.Close()
			return "", fmt.Errorf("merging %q: %w", name, err)
		}
	}

	if err := fp.Close(); err != nil {
		return "", err
	}

	return transfer.DigestFile(dst)
}

func appendFile(w io.Writer, path string) error {
	fp, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fp.Close()

	_, err = io.Copy(w, fp)
	return err
}
