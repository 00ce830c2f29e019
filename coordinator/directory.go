package coordinator

import (
	"github.com/InsAnjara/ProgSys/protocol"
	"github.com/zhangyunhao116/skipmap"
)

// Entry describes where the fragments of one file are stored.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`

	// Fragments[i] holds the replicas of fragment i+1.
	Fragments []protocol.ReplicaSet `json:"fragments"`
}

// Nodes returns every node that holds at least one fragment, in order of first appearance.
func (e Entry) Nodes() []protocol.NodeAddress {
	var res []protocol.NodeAddress
	seen := make(map[protocol.NodeAddress]bool)

	for _, set := range e.Fragments {
		for _, addr := range set {
			if !seen[addr] {
				seen[addr] = true
				res = append(res, addr)
			}
		}
	}

	return res
}

// Directory maps file names to entries, ordered by name.
type Directory struct {
	m *skipmap.FuncMap[string, Entry]
}

func NewDirectory() *Directory {
	return &Directory{
		m: skipmap.NewFunc[string, Entry](func(a, b string) bool {
			return a < b
		}),
	}
}

func (d *Directory) Load(name string) (Entry, bool) {
	return d.m.Load(name)
}

func (d *Directory) Store(e Entry) {
	d.m.Store(e.Name, e)
}

func (d *Directory) Delete(name string) {
	d.m.Delete(name)
}

func (d *Directory) Len() int {
	return d.m.Len()
}

// Entries returns a snapshot of all entries ordered by name.
func (d *Directory) Entries() []Entry {
	res := make([]Entry, 0, d.m.Len())

	d.m.Range(func(_ string, e Entry) bool {
		res = append(res, e)
		return true
	})

	return res
}
