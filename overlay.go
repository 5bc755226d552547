package gossipconf

import "github.com/DobryySoul/gossipconf/internal/overlay"

// Overlay is the publish/subscribe mesh a node runs on.
type Overlay = overlay.Overlay

// Hub connects in-process overlays. It stands in for a network in tests
// and single-process deployments.
type Hub = overlay.Hub

// NewHub returns an empty hub. Join it once per node and pass the result
// to WithOverlay.
func NewHub() *Hub {
	return overlay.NewHub()
}
