package server

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/InsAnjara/ProgSys/generics/keylock"
	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/InsAnjara/ProgSys/transfer"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// IncomingDir is the directory inside the storage root where blobs are
// staged until they are verified.
const IncomingDir = ".incoming"

// OnDisk stores fragments as plain files in a single directory.
type OnDisk struct {
	logger  *log.Logger
	dirname string

	locks *keylock.Map[string]

	// mu protects index
	mu    sync.RWMutex
	index map[string]string
}

// NewOnDisk opens the storage directory, creating it if needed, and
// builds the fragment index from its contents.
func NewOnDisk(logger *log.Logger, dirname string) (*OnDisk, error) {
	if err := os.MkdirAll(dirname, 0777); err != nil {
		return nil, fmt.Errorf("creating storage directory %q: %w", dirname, err)
	}

	s := &OnDisk{
		logger:  logger,
		dirname: dirname,
		locks:   keylock.New[string](),
		index:   make(map[string]string),
	}

	if err := os.RemoveAll(filepath.Join(dirname, IncomingDir)); err != nil {
		return nil, fmt.Errorf("cleaning up %q: %w", IncomingDir, err)
	}

	if err := s.initIndex(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *OnDisk) initIndex() error {
	dis, err := os.ReadDir(s.dirname)
	if err != nil {
		return fmt.Errorf("readdir(%q): %w", s.dirname, err)
	}

	for _, di := range dis {
		if !di.Type().IsRegular() || !protocol.IsValidFileName(di.Name()) {
			continue
		}

		s.index[di.Name()] = filepath.Join(s.dirname, di.Name())
	}

	s.logger.Printf("Found %d stored fragments in %q", len(s.index), s.dirname)

	return nil
}

// Receive reads one blob from the connection and stores it. The blob only
// becomes visible once it is fully received and verified.
func (s *OnDisk) Receive(c *transfer.Conn) (name string, err error) {
	stage := filepath.Join(s.dirname, IncomingDir, uuid.NewString())
	defer os.RemoveAll(stage)

	name, path, err := c.ReceiveBlob(stage)
	if err != nil {
		return name, err
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	dst := filepath.Join(s.dirname, name)
	if err := os.Rename(path, dst); err != nil {
		return name, fmt.Errorf("moving %q into storage: %w", name, err)
	}

	s.mu.Lock()
	s.index[name] = dst
	s.mu.Unlock()

	return name, nil
}

// Send writes the stored blob to the connection or, when there is no such
// blob, the absence marker. found is false in the latter case.
func (s *OnDisk) Send(c *transfer.Conn, name string) (found bool, err error) {
	unlock := s.locks.RLock(name)
	defer unlock()

	s.mu.RLock()
	path, ok := s.index[name]
	s.mu.RUnlock()

	if ok {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("Fragment %q disappeared from %q", name, path)
			ok = false
		}
	}

	if !ok {
		return false, c.SendAbsent(name)
	}

	if err := c.SendFile(name, path); err != nil {
		return true, fmt.Errorf("sending %q: %w", name, err)
	}

	return true, nil
}

// RemoveFile deletes every stored fragment of the file. Having no
// fragments of the file is not an error.
func (s *OnDisk) RemoveFile(fileName string) error {
	var names []string

	s.mu.RLock()
	for name := range s.index {
		if protocol.IsFragmentOf(name, fileName) {
			names = append(names, name)
		}
	}
	s.mu.RUnlock()

	var res error
	for _, name := range names {
		res = multierr.Append(res, s.removeFragment(name))
	}

	return res
}

func (s *OnDisk) removeFragment(name string) error {
	unlock := s.locks.Lock(name)
	defer unlock()

	s.mu.RLock()
	path, ok := s.index[name]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %q: %w", name, err)
	}

	s.mu.Lock()
	delete(s.index, name)
	s.mu.Unlock()

	return nil
}

// Count returns the number of stored blobs whose name starts with prefix.
func (s *OnDisk) Count(prefix string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	for name := range s.index {
		if strings.HasPrefix(name, prefix) {
			n++
		}
	}

	return n
}

// List returns the names of all stored blobs in sorted order.
func (s *OnDisk) List() []string {
	s.mu.RLock()
	res := make([]string, 0, len(s.index))
	for name := range s.index {
		res = append(res, name)
	}
	s.mu.RUnlock()

	sort.Strings(res)
	return res
}
