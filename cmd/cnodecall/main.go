// Command cnodecall sends one {Fun, A, B} request to a running cnode and
// prints the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/utkarshgupta2804/cnode/dist"
	"github.com/utkarshgupta2804/cnode/epmd"
	"github.com/utkarshgupta2804/cnode/etf"
	"github.com/utkarshgupta2804/cnode/internal/logger"
)

type options struct {
	name     string
	cookie   string
	epmdPort int
	timeout  time.Duration
}

// defaultCookie follows the runtime: environment first, then ~/.erlang.cookie
func defaultCookie() string {
	if c := os.Getenv("BUNDLEX_ERLANG_COOKIE"); c != "" {
		return c
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	b, err := os.ReadFile(filepath.Join(home, ".erlang.cookie"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// defaultEPMDPort reads the same variables the node does, so both find the
// same daemon.
func defaultEPMDPort() int {
	v := viper.New()
	v.SetDefault("epmd_port", epmd.DefaultPort)
	v.BindEnv("epmd_port", "CNODE_EPMD_PORT", "ERL_EPMD_PORT")
	return v.GetInt("epmd_port")
}

func call(ctx context.Context, opts options, log *zap.Logger, node, fun string, a, b float64) (etf.Term, error) {
	alive, host, ok := strings.Cut(node, "@")
	if !ok || alive == "" || host == "" {
		return nil, errors.Errorf("node %q is not alive@host", node)
	}

	registry := epmd.NewClient(opts.epmdPort, log)
	registry.Addr = net.JoinHostPort(host, strconv.Itoa(opts.epmdPort))
	port, err := registry.LookupPort(ctx, alive)
	if err != nil {
		return nil, err
	}

	self := dist.Node{Name: opts.name, Cookie: opts.cookie, Creation: 1}
	transport := dist.NewTCPTransport(dist.TCPTransportOpts{
		HandshakeFunc:    self.Handshake(),
		HandshakeTimeout: opts.timeout,
		Logger:           log,
	})
	peer, err := transport.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	defer peer.Close()

	pid := etf.Pid{Node: etf.Atom(opts.name), ID: 1, Creation: 1}
	if err := peer.RegSend(pid, etf.Atom(fun), etf.Tuple{etf.Atom(fun), a, b}); err != nil {
		return nil, err
	}

	for {
		msg, err := peer.Receive(opts.timeout)
		if err != nil {
			return nil, errors.Wrap(err, "waiting for reply")
		}
		if msg.Tick {
			continue
		}
		if to, ok := msg.Target(); ok && to == pid {
			return msg.Payload, nil
		}
		log.Debug("skipping message", zap.Int("op", msg.Op))
	}
}

func main() {
	var opts options
	hostname, _ := os.Hostname()
	flag.StringVar(&opts.name, "name", "cnodecall@"+hostname, "node name to present")
	flag.StringVar(&opts.cookie, "cookie", defaultCookie(), "shared secret")
	flag.IntVar(&opts.epmdPort, "epmd-port", defaultEPMDPort(), "port mapper port")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Second, "reply timeout")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log, err := logger.New(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if flag.NArg() != 4 {
		fmt.Fprintln(os.Stderr, "usage: cnodecall [flags] <node> <fun> <a> <b>")
		os.Exit(2)
	}
	a, errA := strconv.ParseFloat(flag.Arg(2), 64)
	b, errB := strconv.ParseFloat(flag.Arg(3), 64)
	if errA != nil || errB != nil {
		fmt.Fprintln(os.Stderr, "arguments must be numbers")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*opts.timeout)
	defer cancel()

	reply, err := call(ctx, opts, log, flag.Arg(0), flag.Arg(1), a, b)
	if err != nil {
		log.Fatal("call failed", zap.Error(err))
	}
	fmt.Println(etf.Format(reply))
}
