package replication

// Targets returns the roster indices that receive the replicas of the
// fragment with the given 0-based index. Replica j goes to node
// (fragment+j) mod nodes, so there are min(replicationFactor, nodes)
// distinct targets.
func Targets(fragment, nodes, replicationFactor int) []int {
	if nodes <= 0 || replicationFactor <= 0 {
		return nil
	}

	n := replicationFactor
	if n > nodes {
		n = nodes
	}

	res := make([]int, 0, n)
	for j := 0; j < n; j++ {
		res = append(res, (fragment+j)%nodes)
	}

	return res
}
