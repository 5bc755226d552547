package gossipconf

import "errors"

var (
	// ErrClosed indicates that the node has been closed.
	ErrClosed = errors.New("gossipconf: node is closed")
	// ErrTimeout indicates that the context deadline expired.
	ErrTimeout = errors.New("gossipconf: operation timed out")
	// ErrCanceled indicates that the context was canceled.
	ErrCanceled = errors.New("gossipconf: operation canceled")
	// ErrNotRunning is returned by operations that need Run to be active.
	ErrNotRunning = errors.New("gossipconf: node is not running")
	// ErrNotClient is returned by client-only operations on a server node.
	ErrNotClient = errors.New("gossipconf: not a client node")
	// ErrNotServer is returned by server-only operations on a client node.
	ErrNotServer = errors.New("gossipconf: not a server node")
	// ErrNotFound indicates that a server holds no value for the key.
	ErrNotFound = errors.New("gossipconf: key not found")
)
