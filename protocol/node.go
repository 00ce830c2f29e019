package protocol

import (
	"net"
	"sort"
	"strconv"
)

// NodeAddress identifies one storage node.
type NodeAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ReplicaSet lists the nodes holding copies of one fragment.
// The order is not a priority order.
type ReplicaSet []NodeAddress

// Roster is the set of nodes found by one discovery round,
// kept sorted by host and port.
type Roster []NodeAddress

// NewRoster collapses duplicates and sorts the addresses.
func NewRoster(addrs []NodeAddress) Roster {
	seen := make(map[NodeAddress]struct{}, len(addrs))
	res := make(Roster, 0, len(addrs))

	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		res = append(res, a)
	}

	SortNodes(res)
	return res
}

// SortNodes sorts the addresses by host and then by port.
func SortNodes(addrs []NodeAddress) {
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].Host == addrs[j].Host {
			return addrs[i].Port < addrs[j].Port
		}
		return addrs[i].Host < addrs[j].Host
	})
}
