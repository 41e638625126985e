package main

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/utkarshgupta2804/cnode/dist"
	"github.com/utkarshgupta2804/cnode/epmd"
	"github.com/utkarshgupta2804/cnode/epmd/epmdtest"
	"github.com/utkarshgupta2804/cnode/etf"
)

const (
	testNode   = "cnode@localhost"
	testCookie = "secret"
)

// readyWriter stands in for stdout and signals the readiness line
type readyWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	once  sync.Once
	ready chan struct{}
}

func newReadyWriter() *readyWriter {
	return &readyWriter{ready: make(chan struct{})}
}

func (w *readyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	seen := strings.Contains(w.buf.String(), "ready\r\n")
	w.mu.Unlock()
	if seen {
		w.once.Do(func() { close(w.ready) })
	}
	return len(p), nil
}

func (w *readyWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

type harness struct {
	t      *testing.T
	daemon *epmdtest.Daemon
	stdout *readyWriter
	exit   chan int
	port   uint16 // node's listening port, known after connect
}

func newHarness(t *testing.T, env map[string]string) *harness {
	daemon := epmdtest.NewDaemon(t)
	t.Setenv("CNODE_EPMD_PORT", strconv.Itoa(daemon.Port()))
	t.Setenv("CNODE_LISTEN_ADDR", "127.0.0.1:0")
	for k, v := range env {
		t.Setenv(k, v)
	}
	return &harness{t: t, daemon: daemon, stdout: newReadyWriter(), exit: make(chan int, 1)}
}

func (h *harness) start(args ...string) *harness {
	if len(args) == 0 {
		args = []string{"localhost", "cnode", testNode, testCookie, "1"}
	}
	go func() { h.exit <- run(args, h.stdout) }()
	return h
}

func startNode(t *testing.T, env map[string]string, args ...string) *harness {
	return newHarness(t, env).start(args...)
}

func (h *harness) waitReady() {
	select {
	case <-h.stdout.ready:
	case code := <-h.exit:
		h.t.Fatalf("node exited with %d before ready", code)
	case <-time.After(3 * time.Second):
		h.t.Fatal("node never became ready")
	}
}

func (h *harness) waitExit() int {
	select {
	case code := <-h.exit:
		return code
	case <-time.After(3 * time.Second):
		h.t.Fatal("node did not exit")
	}
	return -1
}

func (h *harness) connect(cookie string) dist.Peer {
	h.waitReady()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	port, err := epmd.NewClient(h.daemon.Port(), nil).LookupPort(ctx, "cnode")
	require.NoError(h.t, err)
	h.port = port

	caller := dist.Node{Name: "caller@localhost", Cookie: cookie, Creation: 2}
	tr := dist.NewTCPTransport(dist.TCPTransportOpts{HandshakeFunc: caller.Handshake()})
	peer, err := tr.Dial(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { peer.Close() })
	return peer
}

var callerPid = etf.Pid{Node: "caller@localhost", ID: 42, Creation: 2}

func request(t *testing.T, peer dist.Peer, fun string, a, b etf.Term) {
	require.NoError(t, peer.RegSend(callerPid, "any", etf.Tuple{etf.Atom(fun), a, b}))
}

func receiveReply(t *testing.T, peer dist.Peer) etf.Term {
	for {
		msg, err := peer.Receive(2 * time.Second)
		require.NoError(t, err)
		if msg.Tick {
			continue
		}
		require.Equal(t, dist.OpSend, msg.Op)
		to, ok := msg.Target()
		require.True(t, ok)
		require.Equal(t, callerPid, to)
		return msg.Payload
	}
}

func TestNodeServesRequests(t *testing.T) {
	h := startNode(t, nil)
	peer := h.connect(testCookie)
	require.Equal(t, "ready\r\n", h.stdout.String())

	request(t, peer, "foo", 2.0, 3.0)
	require.Equal(t, etf.Tuple{etf.Atom(testNode), 5.0}, receiveReply(t, peer))

	// unknown functions get no reply, the next request is answered
	request(t, peer, "baz", 1.0, 1.0)
	request(t, peer, "bar", 5.0, 2.0)
	require.Equal(t, etf.Tuple{etf.Atom(testNode), 3.0}, receiveReply(t, peer))

	require.NoError(t, peer.Close())
	require.Equal(t, 0, h.waitExit())

	// sockets and registration are released
	require.Eventually(t, func() bool {
		_, registered := h.daemon.Lookup("cnode")
		return !registered
	}, time.Second, 10*time.Millisecond)
	_, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(h.port))))
	require.Error(t, err)
}

func testConfig(epmdPort int) *Config {
	return &Config{
		HostName:       "localhost",
		AliveName:      "cnode",
		NodeName:       testNode,
		Cookie:         testCookie,
		Creation:       1,
		ListenAddr:     "127.0.0.1:0",
		AcceptTimeout:  2 * time.Second,
		ReceiveTimeout: 2 * time.Second,
		EPMDPort:       epmdPort,
		LogLevel:       "info",
	}
}

func runAsync(ctx context.Context, node *CNode) <-chan error {
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()
	return done
}

func TestNodeLifecycle(t *testing.T) {
	daemon := epmdtest.NewDaemon(t)
	ready := newReadyWriter()
	core, logs := observer.New(zap.InfoLevel)
	node := makeNode(testConfig(daemon.Port()), ready, zap.New(core))
	require.Equal(t, StateInit, node.State())

	done := runAsync(context.Background(), node)
	select {
	case <-ready.ready:
	case err := <-done:
		t.Fatalf("node stopped before ready: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("node never became ready")
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(node.Transport.Port())))

	caller := dist.Node{Name: "caller@localhost", Cookie: testCookie, Creation: 2}
	tr := dist.NewTCPTransport(dist.TCPTransportOpts{HandshakeFunc: caller.Handshake()})
	peer, err := tr.Dial(context.Background(), addr)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return node.State() == StateServing }, time.Second, 10*time.Millisecond)

	require.NoError(t, peer.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("node did not stop")
	}

	require.Equal(t, StateTerminated, node.State())
	registeredLogs := logs.FilterMessage("registered with epmd").All()
	require.Len(t, registeredLogs, 1)
	require.Equal(t, "localhost", registeredLogs[0].ContextMap()["host"])

	_, registered := daemon.Lookup("cnode")
	require.False(t, registered)
	_, err = net.Dial("tcp", addr)
	require.Error(t, err)
}

func TestNodeInterruptedWhileRegistering(t *testing.T) {
	daemon := epmdtest.NewDaemon(t)
	daemon.SetSilent(true)
	ready := newReadyWriter()
	node := makeNode(testConfig(daemon.Port()), ready, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, node)
	require.Eventually(t, func() bool { return node.State() == StateListening }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // blocked on the daemon's reply by now
	cancel()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
		require.Equal(t, int(syscall.EINTR), exitCode(err))
	case <-time.After(time.Second):
		t.Fatal("node ignored cancellation while registering")
	}
	require.Equal(t, StateTerminated, node.State())
	require.Empty(t, ready.String())
}

func TestNodeTimeouts(t *testing.T) {
	t.Run("no peer connects", func(t *testing.T) {
		h := startNode(t, map[string]string{"CNODE_ACCEPT_TIMEOUT": "100ms"})
		h.waitReady()
		require.Equal(t, int(syscall.ETIMEDOUT), h.waitExit())
	})

	t.Run("peer goes quiet", func(t *testing.T) {
		h := startNode(t, map[string]string{"CNODE_RECEIVE_TIMEOUT": "150ms"})
		peer := h.connect(testCookie)

		request(t, peer, "foo", 1.0, 1.0)
		require.Equal(t, etf.Tuple{etf.Atom(testNode), 2.0}, receiveReply(t, peer))

		require.Equal(t, int(syscall.ETIMEDOUT), h.waitExit())
	})

	t.Run("ticks are answered", func(t *testing.T) {
		h := startNode(t, map[string]string{"CNODE_RECEIVE_TIMEOUT": "500ms"})
		peer := h.connect(testCookie)

		require.NoError(t, peer.(*dist.TCPPeer).Tick())
		msg, err := peer.Receive(time.Second)
		require.NoError(t, err)
		require.True(t, msg.Tick)

		peer.Close()
		require.Equal(t, 0, h.waitExit())
	})
}

func TestNodeFailures(t *testing.T) {
	t.Run("wrong argument count", func(t *testing.T) {
		h := startNode(t, nil, "localhost", "cnode", testNode, testCookie)
		require.Equal(t, int(syscall.EINVAL), h.waitExit())
		require.Empty(t, h.stdout.String())
	})

	t.Run("oversized argument", func(t *testing.T) {
		long := strings.Repeat("h", 255)
		h := startNode(t, nil, long, "cnode", testNode, testCookie, "1")
		require.Equal(t, int(syscall.EINVAL), h.waitExit())
		_, registered := h.daemon.Lookup("cnode")
		require.False(t, registered)
	})

	t.Run("registration rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		h.daemon.SetReject(true)
		h.start()
		require.Equal(t, int(syscall.EADDRINUSE), h.waitExit())
		require.Empty(t, h.stdout.String())
	})

	t.Run("malformed request", func(t *testing.T) {
		h := startNode(t, nil)
		peer := h.connect(testCookie)

		request(t, peer, "foo", 1, 2)
		require.Equal(t, int(syscall.EBADMSG), h.waitExit())
	})

	t.Run("cookie from environment", func(t *testing.T) {
		h := startNode(t, map[string]string{"BUNDLEX_ERLANG_COOKIE": "from-env"},
			"localhost", "cnode", testNode, "", "1")
		peer := h.connect("from-env")

		request(t, peer, "foo", 0.5, 0.25)
		require.Equal(t, etf.Tuple{etf.Atom(testNode), 0.75}, receiveReply(t, peer))
		peer.Close()
		require.Equal(t, 0, h.waitExit())
	})
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 0, exitCode(nil))
	require.Equal(t, int(syscall.EINVAL), exitCode(errUsage))
	require.Equal(t, int(syscall.ETIMEDOUT), exitCode(dist.ErrAcceptTimeout))
	require.Equal(t, int(syscall.EBADMSG), exitCode(errMalformedRequest))
	require.Equal(t, int(syscall.EINTR), exitCode(context.Canceled))
	require.Equal(t, int(syscall.ECONNRESET), exitCode(&net.OpError{Op: "read", Err: syscall.ECONNRESET}))
	require.Equal(t, int(syscall.EIO), exitCode(net.ErrClosed))
}
