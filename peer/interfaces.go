package peer

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// TransportEvent is the sealed set of asynchronous notifications a Transport
// delivers to its owning session.
type TransportEvent interface {
	transportEvent()
}

// MsgReceived carries a decoded protocol payload read off the connection.
type MsgReceived struct {
	// Msg is the decoded payload. Its Command is the type tag used for
	// all routing and matching decisions.
	Msg wire.Message
}

// ConnClosed reports that the underlying connection has been torn down, by
// either side. It is the final event a Transport delivers.
type ConnClosed struct {
	// Err is the read or dial error that ended the connection, or nil
	// for an orderly local close.
	Err error
}

func (MsgReceived) transportEvent() {}
func (ConnClosed) transportEvent()  {}

// Transport abstracts a connection that can connect, send payloads, and
// deliver received payloads or a disconnect notification asynchronously.
//
// Implementations must emit exactly one ConnClosed on Events once the
// connection stops for any reason, including in response to Stop. No events
// follow it.
type Transport interface {
	// Connect establishes the underlying connection. It blocks until the
	// connection is up, the context is done, or the attempt fails.
	Connect(ctx context.Context) error

	// Send writes a single payload to the connection.
	Send(msg wire.Message) error

	// Events returns the stream of received payloads terminated by a
	// single ConnClosed notification.
	Events() <-chan TransportEvent

	// Stop tears the connection down. The pending ConnClosed still gets
	// delivered on Events.
	Stop()
}
