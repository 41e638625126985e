// Package epmdtest contains an in-process port mapper for tests.
package epmdtest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Daemon answers ALIVE2 and PORT_PLEASE2 requests. A name stays registered
// until the registering connection closes.
type Daemon struct {
	ln net.Listener

	mu       sync.Mutex
	nodes    map[string]uint16
	creation uint32
	reject   bool
	legacy   bool
	silent   bool
}

// NewDaemon starts a daemon on an ephemeral loopback port and stops it when
// the test ends.
func NewDaemon(t *testing.T) *Daemon {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &Daemon{ln: ln, nodes: make(map[string]uint16), creation: 1}
	go d.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *Daemon) Addr() string { return d.ln.Addr().String() }

func (d *Daemon) Port() int { return d.ln.Addr().(*net.TCPAddr).Port }

// SetReject makes registrations fail with a non-zero result.
func (d *Daemon) SetReject(v bool) {
	d.mu.Lock()
	d.reject = v
	d.mu.Unlock()
}

// SetLegacy answers registrations with ALIVE2_RESP instead of ALIVE2_X_RESP.
func (d *Daemon) SetLegacy(v bool) {
	d.mu.Lock()
	d.legacy = v
	d.mu.Unlock()
}

// SetSilent makes the daemon read requests and never answer them.
func (d *Daemon) SetSilent(v bool) {
	d.mu.Lock()
	d.silent = v
	d.mu.Unlock()
}

// Lookup returns the port registered for alive.
func (d *Daemon) Lookup(alive string) (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.nodes[alive]
	return p, ok
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handleConn(conn)
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return
	}
	body := make([]byte, binary.BigEndian.Uint16(head))
	if _, err := io.ReadFull(conn, body); err != nil || len(body) == 0 {
		return
	}

	d.mu.Lock()
	silent := d.silent
	d.mu.Unlock()
	if silent {
		io.Copy(io.Discard, conn)
		return
	}

	switch body[0] {
	case 120:
		d.handleAlive(conn, body)
	case 122:
		d.handlePortPlease(conn, string(body[1:]))
	}
}

func (d *Daemon) handleAlive(conn net.Conn, body []byte) {
	port := binary.BigEndian.Uint16(body[1:3])
	nlen := binary.BigEndian.Uint16(body[9:11])
	alive := string(body[11 : 11+nlen])

	d.mu.Lock()
	_, taken := d.nodes[alive]
	reject := d.reject || taken
	legacy := d.legacy
	creation := d.creation
	if !reject {
		d.nodes[alive] = port
		d.creation++
	}
	d.mu.Unlock()

	result := byte(0)
	if reject {
		result = 1
	}
	if legacy {
		reply := []byte{121, result}
		conn.Write(binary.BigEndian.AppendUint16(reply, uint16(creation)))
	} else {
		reply := []byte{118, result}
		conn.Write(binary.BigEndian.AppendUint32(reply, creation))
	}
	if reject {
		return
	}

	// hold the registration until the node hangs up
	io.Copy(io.Discard, conn)

	d.mu.Lock()
	delete(d.nodes, alive)
	d.mu.Unlock()
}

func (d *Daemon) handlePortPlease(conn net.Conn, alive string) {
	port, ok := d.Lookup(alive)
	if !ok {
		conn.Write([]byte{119, 1})
		return
	}
	reply := binary.BigEndian.AppendUint16([]byte{119, 0}, port)
	reply = append(reply, 72, 0)
	reply = binary.BigEndian.AppendUint16(reply, 6)
	reply = binary.BigEndian.AppendUint16(reply, 5)
	reply = binary.BigEndian.AppendUint16(reply, uint16(len(alive)))
	reply = append(reply, alive...)
	reply = binary.BigEndian.AppendUint16(reply, 0)
	conn.Write(reply)
}
