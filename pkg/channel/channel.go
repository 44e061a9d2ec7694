package channel

import "context"

// Adapter is one ingress transport run by the gateway, for example the HTTP
// server or the queue consumer. Run blocks until ctx ends or the transport fails;
// a clean shutdown returns nil.
type Adapter interface {
	Name() string
	Run(context.Context) error
}
