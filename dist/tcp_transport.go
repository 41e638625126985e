package dist

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/utkarshgupta2804/cnode/etf"
)

// ErrAcceptTimeout is returned when no peer connects in time.
var ErrAcceptTimeout = errors.New("no peer connected before the deadline")

// TCPPeer represents a remote node over a TCP connection
type TCPPeer struct {
	net.Conn         // Embedded net.Conn interface
	outbound bool    // True if we dialed the connection, false if we accepted it
	decoder  Decoder // Packet decoder
	name     string  // Remote node name, set by the handshake
	flags    Flags   // Remote capabilities
	creation uint32  // Remote incarnation
}

// NewTCPPeer creates a new TCPPeer instance
func NewTCPPeer(conn net.Conn, outbound bool, decoder Decoder) *TCPPeer {
	if decoder == nil {
		decoder = PacketDecoder{}
	}
	return &TCPPeer{
		Conn:     conn,
		outbound: outbound,
		decoder:  decoder,
	}
}

func (p *TCPPeer) Node() string { return p.name }

func (p *TCPPeer) Flags() Flags { return p.flags }

func (p *TCPPeer) Creation() uint32 { return p.creation }

// Receive blocks for the next packet. Ticks are answered before returning.
// A zero timeout waits forever.
func (p *TCPPeer) Receive(timeout time.Duration) (Message, error) {
	if timeout > 0 {
		p.Conn.SetReadDeadline(time.Now().Add(timeout))
		defer p.Conn.SetReadDeadline(time.Time{})
	}

	msg := Message{From: p.name}
	if err := p.decoder.Decode(p.Conn, &msg); err != nil {
		return msg, err
	}
	if msg.Tick {
		if _, err := p.Conn.Write(tick); err != nil {
			return msg, errors.Wrap(err, "answer tick")
		}
	}
	return msg, nil
}

// Send delivers msg to a remote pid
func (p *TCPPeer) Send(to etf.Pid, msg etf.Term) error {
	return p.write(etf.Tuple{OpSend, etf.Atom(""), to}, msg)
}

// RegSend delivers msg to a process registered under a name on the peer
func (p *TCPPeer) RegSend(from etf.Pid, to etf.Atom, msg etf.Term) error {
	return p.write(etf.Tuple{OpRegSend, from, etf.Atom(""), to}, msg)
}

// Tick sends a keep-alive
func (p *TCPPeer) Tick() error {
	_, err := p.Conn.Write(tick)
	return err
}

func (p *TCPPeer) write(control etf.Tuple, msg etf.Term) error {
	b, err := encodePacket(control, msg)
	if err != nil {
		return err
	}
	_, err = p.Conn.Write(b)
	return errors.Wrapf(err, "write to %s", p.name)
}

// TCPTransportOpts contains configuration options for TCPTransport
type TCPTransportOpts struct {
	ListenAddr       string           // Address to listen on, port 0 picks one
	HandshakeFunc    HandshakeFunc    // Function to perform handshake
	HandshakeTimeout time.Duration    // Upper bound on the handshake
	Decoder          Decoder          // Packet decoder
	OnPeer           func(Peer) error // Callback when new peer connects
	Logger           *zap.Logger
}

// TCPTransport implements the Transport interface using TCP
type TCPTransport struct {
	TCPTransportOpts // Embedded options

	mu       sync.Mutex       // Guards listener, Close may come from another goroutine
	listener *net.TCPListener // TCP listener
	closed   bool             // Close ran, Listen must not bind afterwards
}

// NewTCPTransport creates a new TCPTransport instance
func NewTCPTransport(opts TCPTransportOpts) *TCPTransport {
	if opts.HandshakeFunc == nil {
		opts.HandshakeFunc = NOPHandshakeFunc
	}
	if opts.Decoder == nil {
		opts.Decoder = PacketDecoder{}
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &TCPTransport{TCPTransportOpts: opts}
}

// Addr returns the bound address once listening, the configured one before
func (t *TCPTransport) Addr() string {
	if ln := t.ln(); ln != nil {
		return ln.Addr().String()
	}
	return t.ListenAddr
}

func (t *TCPTransport) ln() *net.TCPListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// Port returns the port picked by the OS
func (t *TCPTransport) Port() uint16 {
	ln := t.ln()
	if ln == nil {
		return 0
	}
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// Close shuts down the listening socket
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

// Listen binds the listening socket
func (t *TCPTransport) Listen() error {
	addr := t.ListenAddr
	if addr == "" {
		addr = "0.0.0.0:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ln.Close()
		return errors.Wrapf(net.ErrClosed, "listen on %s", addr)
	}
	t.listener = ln.(*net.TCPListener)
	t.mu.Unlock()

	t.Logger.Info("TCP transport listening", zap.String("addr", t.Addr()))

	return nil
}

// Accept waits for one inbound connection and runs the handshake on it
func (t *TCPTransport) Accept(timeout time.Duration) (Peer, error) {
	ln := t.ln()
	if ln == nil {
		return nil, errors.New("transport is not listening")
	}
	if timeout > 0 {
		ln.SetDeadline(time.Now().Add(timeout))
		defer ln.SetDeadline(time.Time{})
	}

	conn, err := ln.Accept()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, errors.Wrapf(ErrAcceptTimeout, "waited %s", timeout)
		}
		return nil, errors.Wrap(err, "accept")
	}

	return t.handleConn(conn, false)
}

// Dial connects to a remote node and runs the handshake
func (t *TCPTransport) Dial(ctx context.Context, addr string) (Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	return t.handleConn(conn, true)
}

// handleConn authenticates an established connection
func (t *TCPTransport) handleConn(conn net.Conn, outbound bool) (Peer, error) {
	peer := NewTCPPeer(conn, outbound, t.Decoder)

	conn.SetDeadline(time.Now().Add(t.HandshakeTimeout))
	if err := t.HandshakeFunc(peer); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "handshake with %s", conn.RemoteAddr())
	}
	conn.SetDeadline(time.Time{})

	t.Logger.Info("connected with remote",
		zap.String("peer", peer.name),
		zap.String("addr", conn.RemoteAddr().String()),
		zap.Bool("outbound", outbound),
		zap.Stringer("flags", peer.flags),
	)

	if t.OnPeer != nil {
		if err := t.OnPeer(peer); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return peer, nil
}

// IsTimeout reports whether err came from an expired deadline
func IsTimeout(err error) bool {
	if errors.Is(err, ErrAcceptTimeout) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
