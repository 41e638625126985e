package dist

import (
	"github.com/utkarshgupta2804/cnode/etf"
)

const passThrough = 112 // 'p', control message without atom cache

// Control message operations.
const (
	OpLink         = 1
	OpSend         = 2
	OpExit         = 3
	OpUnlink       = 4
	OpNodeLink     = 5
	OpRegSend      = 6
	OpGroupLeader  = 7
	OpExit2        = 8
	OpSendTT       = 12
	OpExitTT       = 13
	OpRegSendTT    = 16
	OpExit2TT      = 18
	OpMonitorP     = 19
	OpDemonitorP   = 20
	OpMonitorPExit = 21
	OpSendSender   = 22
)

// Message is one packet received from a peer.
type Message struct {
	From    string    // remote node name
	Tick    bool      // keep-alive, carries nothing else
	Op      int       // control operation
	Control etf.Tuple // raw control tuple
	Payload etf.Term  // message term, nil for ops without one
}

// Sender returns the sending pid of a REG_SEND.
func (m Message) Sender() (etf.Pid, bool) {
	if m.Op != OpRegSend && m.Op != OpRegSendTT || len(m.Control) < 2 {
		return etf.Pid{}, false
	}
	p, ok := m.Control[1].(etf.Pid)
	return p, ok
}

// Recipient returns the registered name a REG_SEND is addressed to.
func (m Message) Recipient() (etf.Atom, bool) {
	if m.Op != OpRegSend && m.Op != OpRegSendTT || len(m.Control) < 4 {
		return "", false
	}
	a, ok := m.Control[3].(etf.Atom)
	return a, ok
}

// Target returns the destination pid of a SEND.
func (m Message) Target() (etf.Pid, bool) {
	if m.Op != OpSend && m.Op != OpSendTT && m.Op != OpSendSender || len(m.Control) < 3 {
		return etf.Pid{}, false
	}
	p, ok := m.Control[2].(etf.Pid)
	return p, ok
}

func hasPayload(op int) bool {
	switch op {
	case OpSend, OpRegSend, OpSendTT, OpRegSendTT, OpSendSender:
		return true
	}
	return false
}
