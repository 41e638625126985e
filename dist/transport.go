package dist

import (
	"context"
	"net"
	"time"

	"github.com/utkarshgupta2804/cnode/etf"
)

// Peer represents a remote node over an established distribution connection
type Peer interface {
	net.Conn
	Node() string                                          // remote node name
	Receive(timeout time.Duration) (Message, error)        // next packet, ticks included
	Send(to etf.Pid, msg etf.Term) error                   // SEND to a pid
	RegSend(from etf.Pid, to etf.Atom, msg etf.Term) error // REG_SEND to a registered name
}

// Transport handles connections between this node and its peers
type Transport interface {
	Addr() string                                        // Listening address
	Port() uint16                                        // Listening port
	Listen() error                                       // Bind the listening socket
	Accept(timeout time.Duration) (Peer, error)          // Wait for one inbound peer
	Dial(ctx context.Context, addr string) (Peer, error) // Connect to a remote node
	Close() error                                        // Close the listening socket
}
