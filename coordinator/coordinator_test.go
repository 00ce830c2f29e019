package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/InsAnjara/ProgSys/protocol"
)

func TestRoundTrip(t *testing.T) {
	for k := 1; k <= 4; k++ {
		for _, size := range []int{0, 1, 4096, k*4096 + 1} {
			t.Run(fmt.Sprintf("k=%d/size=%d", k, size), func(t *testing.T) {
				c := testCoordinator(t, testRoster(k), newFakeNodes(), 2)
				want := randomBytes(size)

				res := testAdd(t, c, "file.bin", want)
				if res.Fragments != k {
					t.Errorf("Add() stored %d fragments; want %d", res.Fragments, k)
				}

				got, err := testGet(t, c, "file.bin")
				if err != nil {
					t.Fatalf("Get() = %v; want no errors", err)
				}

				if !bytes.Equal(got, want) {
					t.Errorf("Get() returned %d bytes that differ from the %d bytes added", len(got), len(want))
				}
			})
		}
	}
}

// Names that match the coordinator's temporary subdirectories.
func TestRoundTripWorkDirNames(t *testing.T) {
	for _, name := range []string{"fragments", "upload", "merged"} {
		t.Run(name, func(t *testing.T) {
			roster := testRoster(3)
			nodes := newFakeNodes()
			want := randomBytes(5000)

			testAdd(t, testCoordinator(t, roster, nodes, 2), name, want)

			c := New(log.Default(), &fakeDiscoverer{roster: roster}, nodes, Options{
				ReplicationFactor: 2,
				TempDir:           t.TempDir(),
				RecoverMissing:    true,
			})

			// The first Get goes through recovery, the second one through the directory.
			for i := 0; i < 2; i++ {
				got, err := testGet(t, c, name)
				if err != nil {
					t.Fatalf("Get(%q) #%d = %v; want no errors", name, i+1, err)
				}

				if !bytes.Equal(got, want) {
					t.Errorf("Get(%q) #%d returned different contents", name, i+1)
				}
			}
		})
	}
}

func TestPartition(t *testing.T) {
	testCases := []struct {
		size int
		k    int
		want []int
	}{
		{size: 10, k: 3, want: []int{4, 4, 2}},
		{size: 9, k: 3, want: []int{3, 3, 3}},
		{size: 1, k: 3, want: []int{1, 0, 0}},
		{size: 0, k: 2, want: []int{0, 0}},
		{size: 4097, k: 4, want: []int{1025, 1025, 1025, 1022}},
	}

	for _, tc := range testCases {
		roster := testRoster(tc.k)
		nodes := newFakeNodes()
		c := testCoordinator(t, roster, nodes, 1)

		data := randomBytes(tc.size)
		testAdd(t, c, "p", data)

		e, _ := c.Lookup("p")

		var got []int
		var joined []byte
		for i, set := range e.Fragments {
			frag, ok := nodes.fragment(set[0], protocol.FragmentName("p", i+1))
			if !ok {
				t.Fatalf("fragment %d is not stored on %s", i+1, set[0])
			}
			got = append(got, len(frag))
			joined = append(joined, frag...)
		}

		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("fragment sizes for %d bytes on %d nodes = %v; want %v", tc.size, tc.k, got, tc.want)
		}

		if !bytes.Equal(joined, data) {
			t.Errorf("concatenated fragments differ from the original for %d bytes on %d nodes", tc.size, tc.k)
		}
	}
}

func TestReplicaSpread(t *testing.T) {
	roster := testRoster(3)
	c := testCoordinator(t, roster, newFakeNodes(), 2)

	testAdd(t, c, "spread", randomBytes(300))

	e, _ := c.Lookup("spread")

	want := []protocol.ReplicaSet{
		{roster[0], roster[1]},
		{roster[1], roster[2]},
		{roster[2], roster[0]},
	}

	if !reflect.DeepEqual(e.Fragments, want) {
		t.Errorf("replica sets = %v; want %v", e.Fragments, want)
	}
}

func TestReplicationFactorCappedByNodes(t *testing.T) {
	roster := testRoster(2)
	c := testCoordinator(t, roster, newFakeNodes(), 5)

	res := testAdd(t, c, "capped", randomBytes(10))
	if len(res.Underreplicated) != 0 {
		t.Errorf("Add() reported underreplicated fragments %v; want none", res.Underreplicated)
	}

	e, _ := c.Lookup("capped")
	for i, set := range e.Fragments {
		if len(set) != 2 {
			t.Errorf("fragment %d has %d replicas; want 2", i+1, len(set))
		}
	}
}

func TestUnderreplicated(t *testing.T) {
	roster := testRoster(3)
	nodes := newFakeNodes()
	nodes.setDown(roster[1], true)
	c := testCoordinator(t, roster, nodes, 2)

	res := testAdd(t, c, "warn", randomBytes(100))

	want := []string{"warn.part1", "warn.part2"}
	if !reflect.DeepEqual(res.Underreplicated, want) {
		t.Errorf("Underreplicated = %v; want %v", res.Underreplicated, want)
	}

	if _, ok := c.Lookup("warn"); !ok {
		t.Errorf("underreplicated file is not in the directory")
	}
}

func TestPlacementFailureRollsBack(t *testing.T) {
	roster := testRoster(3)
	nodes := newFakeNodes()
	nodes.setDown(roster[1], true)
	c := testCoordinator(t, roster, nodes, 1)

	src := uploadStream(t, "lost", randomBytes(100))
	_, err := c.Add(context.Background(), src)

	var placementErr *PlacementError
	if !errors.As(err, &placementErr) {
		t.Fatalf("Add() = %v; want PlacementError", err)
	}

	if want := []string{"lost.part2"}; !reflect.DeepEqual(placementErr.Missing, want) {
		t.Errorf("PlacementError.Missing = %v; want %v", placementErr.Missing, want)
	}

	if _, ok := c.Lookup("lost"); ok {
		t.Errorf("file is in the directory after a failed placement")
	}

	if n := nodes.total(); n != 0 {
		t.Errorf("%d fragment(s) remain on the nodes after the rollback; want 0", n)
	}
}

func TestFailover(t *testing.T) {
	roster := testRoster(3)
	nodes := newFakeNodes()
	c := testCoordinator(t, roster, nodes, 2)

	want := randomBytes(5000)
	testAdd(t, c, "ha", want)

	nodes.setDown(roster[0], true)

	got, err := testGet(t, c, "ha")
	if err != nil {
		t.Fatalf("Get() with one node down = %v; want no errors", err)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("Get() with one node down returned different contents")
	}
}

func TestFailoverOnCorruptReplica(t *testing.T) {
	roster := testRoster(2)
	nodes := newFakeNodes()
	c := testCoordinator(t, roster, nodes, 2)

	want := randomBytes(777)
	testAdd(t, c, "corrupt", want)

	nodes.corrupt[roster[0]] = true

	got, err := testGet(t, c, "corrupt")
	if err != nil || !bytes.Equal(got, want) {
		t.Errorf("Get() with a corrupt replica = %d bytes, %v; want the original contents", len(got), err)
	}
}

func TestFragmentUnavailable(t *testing.T) {
	roster := testRoster(3)
	nodes := newFakeNodes()
	c := testCoordinator(t, roster, nodes, 2)

	testAdd(t, c, "gone", randomBytes(300))

	// Fragment 2 lives on nodes 1 and 2.
	nodes.setDown(roster[1], true)
	nodes.setDown(roster[2], true)

	_, err := testGet(t, c, "gone")
	if !errors.Is(err, ErrFragmentUnavailable) {
		t.Fatalf("Get() = %v; want ErrFragmentUnavailable", err)
	}

	var unavailable *FragmentUnavailableError
	if errors.As(err, &unavailable) && unavailable.Fragment != "gone.part2" {
		t.Errorf("unavailable fragment = %q; want %q", unavailable.Fragment, "gone.part2")
	}
}

func TestMergeMismatch(t *testing.T) {
	roster := testRoster(1)
	nodes := newFakeNodes()
	c := testCoordinator(t, roster, nodes, 1)

	testAdd(t, c, "tampered", []byte("original"))

	nodes.mu.Lock()
	nodes.stored[roster[0]]["tampered.part1"] = []byte("replaced")
	nodes.mu.Unlock()

	if _, err := testGet(t, c, "tampered"); !errors.Is(err, ErrMergeMismatch) {
		t.Errorf("Get() = %v; want ErrMergeMismatch", err)
	}
}

func TestGetNotFound(t *testing.T) {
	c := testCoordinator(t, testRoster(2), newFakeNodes(), 2)

	if _, err := testGet(t, c, "nope"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Get(nope) = %v; want ErrFileNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	roster := testRoster(3)
	nodes := newFakeNodes()
	c := testCoordinator(t, roster, nodes, 2)

	testAdd(t, c, "del", randomBytes(100))

	nodes.failRemove[roster[2]] = true

	err := c.Remove(context.Background(), "del")

	var removeErr *RemoveError
	if !errors.As(err, &removeErr) {
		t.Fatalf("Remove() with a failing node = %v; want RemoveError", err)
	}

	if want := []protocol.NodeAddress{roster[2]}; !reflect.DeepEqual(removeErr.Failed, want) {
		t.Errorf("RemoveError.Failed = %v; want %v", removeErr.Failed, want)
	}

	if _, ok := c.Lookup("del"); !ok {
		t.Fatalf("file was removed from the directory after a partial failure")
	}

	delete(nodes.failRemove, roster[2])

	if err := c.Remove(context.Background(), "del"); err != nil {
		t.Fatalf("Remove() = %v; want no errors", err)
	}

	if _, ok := c.Lookup("del"); ok {
		t.Errorf("file is still in the directory after Remove")
	}

	if n := nodes.total(); n != 0 {
		t.Errorf("%d fragment(s) remain on the nodes; want 0", n)
	}

	if err := c.Remove(context.Background(), "del"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("second Remove() = %v; want ErrFileNotFound", err)
	}
}

func TestEmptyRoster(t *testing.T) {
	nodes := newFakeNodes()
	c := testCoordinator(t, nil, nodes, 2)

	src := uploadStream(t, "nowhere", randomBytes(1000))
	src.WriteLine("trailing")

	_, err := c.Add(context.Background(), src)
	if !errors.Is(err, ErrNoNodesAvailable) {
		t.Fatalf("Add() with no nodes = %v; want ErrNoNodesAvailable", err)
	}

	if n := nodes.total(); n != 0 {
		t.Errorf("%d fragment(s) were written with no nodes available", n)
	}

	if got := len(c.List()); got != 0 {
		t.Errorf("len(List()) = %d; want 0", got)
	}

	if got, err := src.ReadString(); err != nil || got != "trailing" {
		t.Errorf("ReadString() after the refused upload = %q, %v; want trailing, nil", got, err)
	}
}

func TestAddExisting(t *testing.T) {
	c := testCoordinator(t, testRoster(2), newFakeNodes(), 2)

	testAdd(t, c, "dup", []byte("first"))

	src := uploadStream(t, "dup", []byte("second"))
	if _, err := c.Add(context.Background(), src); !errors.Is(err, ErrFileExists) {
		t.Fatalf("Add(dup) again = %v; want ErrFileExists", err)
	}

	got, err := testGet(t, c, "dup")
	if err != nil || string(got) != "first" {
		t.Errorf("Get(dup) = %q, %v; want %q, nil", got, err, "first")
	}
}

func TestListIsOrderedAndIdempotent(t *testing.T) {
	c := testCoordinator(t, testRoster(2), newFakeNodes(), 1)

	for _, name := range []string{"c", "a", "b"} {
		testAdd(t, c, name, []byte(name))
	}

	if n := c.dir.Len(); n != 3 {
		t.Errorf("directory holds %d files; want 3", n)
	}

	first := c.List()
	second := c.List()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("List() is not idempotent: %v != %v", first, second)
	}

	var names []string
	for _, e := range first {
		names = append(names, e.Name)
	}

	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(names, want) {
		t.Errorf("List() names = %v; want %v", names, want)
	}
}

func TestRecover(t *testing.T) {
	roster := testRoster(3)
	nodes := newFakeNodes()

	want := randomBytes(1234)
	testAdd(t, testCoordinator(t, roster, nodes, 2), "orphan", want)

	// A restarted coordinator knows nothing about the file.
	c := New(log.Default(), &fakeDiscoverer{roster: roster}, nodes, Options{
		ReplicationFactor: 2,
		TempDir:           t.TempDir(),
		RecoverMissing:    true,
	})

	locs, err := c.Locate(context.Background(), "orphan")
	if err != nil {
		t.Fatalf("Locate() = %v", err)
	}

	for _, l := range locs {
		if l.Fragments != 2 {
			t.Errorf("Locate() reports %d fragments on %s; want 2", l.Fragments, l.Node)
		}
	}

	got, err := testGet(t, c, "orphan")
	if err != nil {
		t.Fatalf("Get() with recovery = %v; want no errors", err)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("recovered contents differ from the original")
	}

	e, ok := c.Lookup("orphan")
	if !ok || len(e.Fragments) != 3 || e.Size != int64(len(want)) {
		t.Errorf("recovered entry = %+v, %v; want 3 fragments and %d bytes", e, ok, len(want))
	}
}

func TestRecoverUnknownFile(t *testing.T) {
	c := New(log.Default(), &fakeDiscoverer{roster: testRoster(2)}, newFakeNodes(), Options{
		TempDir:        t.TempDir(),
		RecoverMissing: true,
	})

	if _, err := testGet(t, c, "never"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Get(never) with recovery = %v; want ErrFileNotFound", err)
	}
}

func TestMergeFragments(t *testing.T) {
	testCases := []struct {
		desc    string
		names   []string
		want    string
		wantErr bool
	}{
		{desc: "out of order", names: []string{"f.part3", "f.part1", "f.part2"}, want: "123"},
		{desc: "double digits", names: []string{"f.part10", "f.part2", "f.part1", "f.part3", "f.part4", "f.part5", "f.part6", "f.part7", "f.part8", "f.part9"}, want: "12345678910"},
		{desc: "gap", names: []string{"f.part1", "f.part3"}, wantErr: true},
		{desc: "duplicate", names: []string{"f.part1", "f.part1", "f.part2"}, wantErr: true},
		{desc: "malformed", names: []string{"f.part1", "f.part02"}, wantErr: true},
		{desc: "zero index", names: []string{"f.part0", "f.part1"}, wantErr: true},
		{desc: "other file", names: []string{"f.part1", "g.part2"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var paths []string
			for i, name := range tc.names {
				// Every fragment lives in its own directory so that duplicates can coexist.
				dir := filepath.Join(t.TempDir(), fmt.Sprint(i))
				os.MkdirAll(dir, 0777)

				path := filepath.Join(dir, name)
				_, idx, _ := protocol.ParseFragmentName(name)
				os.WriteFile(path, []byte(fmt.Sprint(idx)), 0666)
				paths = append(paths, path)
			}

			dst := filepath.Join(t.TempDir(), "f")
			_, err := mergeFragments("f", paths, dst)

			if tc.wantErr {
				if err == nil {
					t.Errorf("mergeFragments(%v) = nil; want an error", tc.names)
				}
				return
			}

			if err != nil {
				t.Fatalf("mergeFragments(%v) = %v; want no errors", tc.names, err)
			}

			if got, _ := os.ReadFile(dst); string(got) != tc.want {
				t.Errorf("merged contents = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestConcurrentAddSameName(t *testing.T) {
	c := testCoordinator(t, testRoster(3), newFakeNodes(), 2)

	const n = 8

	srcs := make([]BlobSource, n)
	for i := range srcs {
		srcs[i] = uploadStream(t, "same", randomBytes(1000+i))
	}

	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range srcs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Add(context.Background(), srcs[i])
		}(i)
	}
	wg.Wait()

	var added int
	for i, err := range errs {
		if err == nil {
			added++
		} else if !errors.Is(err, ErrFileExists) {
			t.Errorf("Add() #%d = %v; want nil or ErrFileExists", i, err)
		}
	}

	if added != 1 {
		t.Fatalf("%d concurrent Add() calls succeeded; want exactly 1", added)
	}

	e, _ := c.Lookup("same")

	got, err := testGet(t, c, "same")
	if err != nil || int64(len(got)) != e.Size {
		t.Errorf("Get(same) = %d bytes, %v; want %d bytes", len(got), err, e.Size)
	}
}

func TestConcurrentGetRemove(t *testing.T) {
	nodes := newFakeNodes()
	c := testCoordinator(t, testRoster(3), nodes, 2)

	want := randomBytes(10000)
	testAdd(t, c, "busy", want)

	const n = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)

	for i := 0; i < n; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			got, err := testGet(t, c, "busy")
			if errors.Is(err, ErrFileNotFound) {
				return
			} else if err != nil {
				t.Errorf("Get(busy) = %v; want the whole file or ErrFileNotFound", err)
			} else if !bytes.Equal(got, want) {
				t.Errorf("Get(busy) returned %d bytes that differ from the file", len(got))
			}
		}()

		go func() {
			defer wg.Done()

			err := c.Remove(context.Background(), "busy")
			if err == nil {
				mu.Lock()
				removed++
				mu.Unlock()
			} else if !errors.Is(err, ErrFileNotFound) {
				t.Errorf("Remove(busy) = %v; want nil or ErrFileNotFound", err)
			}
		}()
	}
	wg.Wait()

	if removed != 1 {
		t.Errorf("%d concurrent Remove() calls succeeded; want exactly 1", removed)
	}

	if n := nodes.total(); n != 0 {
		t.Errorf("%d fragment(s) remain on the nodes; want 0", n)
	}
}
