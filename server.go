package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/utkarshgupta2804/cnode/dist"
	"github.com/utkarshgupta2804/cnode/epmd"
	"github.com/utkarshgupta2804/cnode/etf"
)

var errMalformedRequest = errors.New("malformed request")

// State is the lifecycle stage of the node.
type State int

const (
	StateInit State = iota
	StateListening
	StateRegistered
	StateAwaitingPeer
	StateServing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateListening:
		return "listening"
	case StateRegistered:
		return "registered"
	case StateAwaitingPeer:
		return "awaiting_peer"
	case StateServing:
		return "serving"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Registry publishes the node so peers can find it by name
type Registry interface {
	Register(ctx context.Context, alive string, port uint16) (*epmd.Registration, error)
}

// CNodeOpts contains configuration options for CNode
type CNodeOpts struct {
	Config    *Config            // Identity and timeouts
	Transport dist.Transport     // Distribution transport
	Registry  Registry           // Port mapper client
	Handlers  map[string]Handler // Known request functions
	Ready     io.Writer          // Receives the readiness line
	Logger    *zap.Logger
}

// CNode serves requests from a single peer node
type CNode struct {
	CNodeOpts

	mu           sync.Mutex         // Protects everything below
	state        State              // Current lifecycle stage
	peer         dist.Peer          // The one accepted peer
	registration *epmd.Registration // Held while the name is published
}

// NewCNode creates a new CNode instance
func NewCNode(opts CNodeOpts) *CNode {
	if opts.Handlers == nil {
		opts.Handlers = DefaultHandlers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Ready == nil {
		opts.Ready = io.Discard
	}
	return &CNode{CNodeOpts: opts}
}

// State returns the current lifecycle stage
func (s *CNode) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CNode) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	s.Logger.Debug("state changed", zap.Stringer("state", st))
}

// Run drives the node from listening to termination. A nil error means the
// peer hung up cleanly.
func (s *CNode) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.closeSockets)
	defer func() {
		stop()
		s.closeSockets()
		s.setState(StateTerminated)
	}()

	s.setState(StateListening)
	if err := s.Transport.Listen(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	reg, err := s.Registry.Register(ctx, s.Config.AliveName, s.Transport.Port())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "publish node")
	}
	s.mu.Lock()
	s.registration = reg
	s.mu.Unlock()
	s.setState(StateRegistered)

	s.Logger.Info("registered with epmd",
		zap.String("alive", s.Config.AliveName),
		zap.String("host", s.Config.HostName),
		zap.Uint16("port", s.Transport.Port()),
		zap.Uint32("epmd_creation", reg.Creation),
	)
	if _, err := io.WriteString(s.Ready, "ready\r\n"); err != nil {
		return errors.Wrap(err, "announce readiness")
	}
	if f, ok := s.Ready.(interface{ Sync() error }); ok {
		f.Sync()
	}

	s.setState(StateAwaitingPeer)
	peer, err := s.Transport.Accept(s.Config.AcceptTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dist.IsTimeout(err) {
			s.Logger.Error("Timeout. No peer connected.", zap.Duration("timeout", s.Config.AcceptTimeout))
		}
		return err
	}
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()

	s.setState(StateServing)
	return s.loop(ctx)
}

// loop is the main receive loop for the peer connection
func (s *CNode) loop(ctx context.Context) error {
	for {
		msg, err := s.peer.Receive(s.Config.ReceiveTimeout)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			s.Logger.Info("peer disconnected", zap.String("peer", s.peer.Node()))
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case dist.IsTimeout(err):
			s.Logger.Error("Timeout. Message not received.", zap.Duration("timeout", s.Config.ReceiveTimeout))
			return errors.Wrap(err, "receive")
		default:
			return errors.Wrap(err, "receive")
		}

		if msg.Tick {
			continue
		}
		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

// handleMessage dispatches on the control operation. Only REG_SEND carries
// requests; anything else is noted and dropped.
func (s *CNode) handleMessage(msg dist.Message) error {
	switch msg.Op {
	case dist.OpRegSend, dist.OpRegSendTT:
		return s.handleRequest(msg)
	}

	s.Logger.Debug("ignoring control message",
		zap.Int("op", msg.Op),
		zap.String("control", etf.Format(msg.Control)),
	)
	return nil
}

// handleRequest answers {Fun, A, B} with {NodeName, Fun(A, B)}
func (s *CNode) handleRequest(msg dist.Message) error {
	from, ok := msg.Sender()
	if !ok {
		return errors.Wrapf(errMalformedRequest, "control %s has no sender", etf.Format(msg.Control))
	}

	req, ok := msg.Payload.(etf.Tuple)
	if !ok || len(req) == 0 {
		return errors.Wrapf(errMalformedRequest, "%s is not a tuple", etf.Format(msg.Payload))
	}
	fun, ok := req[0].(etf.Atom)
	if !ok {
		return errors.Wrapf(errMalformedRequest, "function %s is not an atom", etf.Format(req[0]))
	}

	handler, known := s.Handlers[string(fun)]
	if !known {
		// no reply, the caller is left to time out
		s.Logger.Warn("unrecognized function",
			zap.String("function", string(fun)),
			zap.Stringer("from", from),
		)
		return nil
	}

	if len(req) != 3 {
		return errors.Wrapf(errMalformedRequest, "%s expects 2 arguments, got %d", fun, len(req)-1)
	}
	a, okA := req[1].(float64)
	b, okB := req[2].(float64)
	if !okA || !okB {
		return errors.Wrapf(errMalformedRequest, "%s arguments must be floats: %s", fun, etf.Format(req))
	}

	res := handler(a, b)
	s.Logger.Debug("handled request",
		zap.String("function", string(fun)),
		zap.Float64("a", a),
		zap.Float64("b", b),
		zap.Float64("result", res),
	)

	reply := etf.Tuple{etf.Atom(s.Config.NodeName), res}
	if err := s.peer.Send(from, reply); err != nil {
		return errors.Wrapf(err, "reply to %s", from)
	}
	return nil
}

// closeSockets releases the listener, the peer and the registration
func (s *CNode) closeSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Transport.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.Logger.Debug("close listener", zap.Error(err))
	}
	if s.peer != nil {
		s.peer.Close()
	}
	if s.registration != nil {
		s.registration.Close()
	}
}
