// Package cluster exposes the static view of cluster membership that the
// blob replicator, blob resolver, and read barrier need: peer endpoints and
// quorum size. Membership is assumed static and pre-configured (spec
// non-goal: dynamic membership), so this is a thin wrapper over the
// configured member list rather than a live Raft configuration query.
package cluster

// View is the set of node endpoints forming the cluster, as configured at
// startup.
type View struct {
	Self    string
	Members []string // every node's publicEndPoint, including Self
}

// Peers returns every member other than Self.
func (v View) Peers() []string {
	peers := make([]string, 0, len(v.Members))
	for _, m := range v.Members {
		if m != v.Self {
			peers = append(peers, m)
		}
	}
	return peers
}

// Size returns the total cluster size (including Self).
func (v View) Size() int { return len(v.Members) }

// Quorum returns floor(size/2)+1, the number of nodes that must durably
// hold an artifact for it to be considered replicated.
func (v View) Quorum() int { return v.Size()/2 + 1 }
