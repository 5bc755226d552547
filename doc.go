// Package gossipconf provides configuration discovery over a gossip
// overlay. Server nodes hold authoritative key-value pairs; client nodes
// resolve a fixed want-list by broadcasting requests and matching the
// replies that come back.
//
// # Overview
//
// Every node subscribes to one topic (default "general") and speaks a small
// envelope protocol encoded with MessagePack: Control, Notification, Set and
// Get, each tagged with a 64-bit correlation id. A client asks for every
// unresolved key once at least MinPeers peers share the topic, remembers
// the id of each request and stores the first answer carrying a known id.
// Once every key holds a value the client is converged.
//
// # Missing keys
//
// A server that lacks a key replies with the text "NONE". That sentinel is
// a real value from the client's point of view: the key is resolved.
//
// # Networking
//
// By default a node binds a UDP overlay that floods messages to live peers,
// finds peers through mDNS and dials the addresses given with WithSeeds.
// WithOverlay replaces the network, e.g. with an in-process Hub.
//
// # Concurrency
//
// Protocol state is owned by one event loop goroutine started by Run.
// Other methods hand work to that goroutine or read thread-safe state.
//
// Example
//
//	srv, err := gossipconf.NewServer(
//		map[string]string{"configservice.port": "61250"},
//		gossipconf.WithBindAddr("127.0.0.1:9001"),
//	)
//	if err != nil {
//		// handle error
//	}
//	go srv.Run(ctx)
//
//	cli, err := gossipconf.NewClient(
//		[]string{"configservice.port"},
//		gossipconf.WithBindAddr("127.0.0.1:9002"),
//		gossipconf.WithSeeds([]string{"127.0.0.1:9001"}),
//		gossipconf.WithMinPeers(1),
//	)
//	if err != nil {
//		// handle error
//	}
//	go cli.Run(ctx)
//	values, _ := cli.Wait(ctx)
package gossipconf
