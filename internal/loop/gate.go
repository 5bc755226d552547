package loop

// DefaultMinPeers is the smallest mesh in which asking is worthwhile.
const DefaultMinPeers = 2

// Gate suppresses asking while the mesh is too small for a request to be
// answered.
type Gate struct {
	MinPeers int
}

func (g Gate) ShouldAsk(meshPeers int) bool {
	return meshPeers >= g.MinPeers
}
