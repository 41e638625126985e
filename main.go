package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/utkarshgupta2804/cnode/dist"
	"github.com/utkarshgupta2804/cnode/epmd"
	"github.com/utkarshgupta2804/cnode/etf"
	"github.com/utkarshgupta2804/cnode/internal/logger"
)

// makeNode wires the transport, the port mapper client and the handlers
// for one node incarnation.
func makeNode(cfg *Config, ready io.Writer, log *zap.Logger) *CNode {
	identity := dist.Node{
		Name:     cfg.NodeName,
		Cookie:   cfg.Cookie,
		Creation: cfg.Creation,
	}

	tcpTransport := dist.NewTCPTransport(dist.TCPTransportOpts{
		ListenAddr:       cfg.ListenAddr,
		HandshakeFunc:    identity.Handshake(),
		HandshakeTimeout: cfg.AcceptTimeout,
		Decoder:          dist.PacketDecoder{},
		Logger:           log,
	})

	return NewCNode(CNodeOpts{
		Config:    cfg,
		Transport: tcpTransport,
		Registry:  epmd.NewClient(cfg.EPMDPort, log),
		Ready:     ready,
		Logger:    log,
	})
}

// exitCode maps the terminating error to the process status
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, errArgTooLong),
		errors.Is(err, errNoCookie), errors.Is(err, errBadCreation):
		return int(syscall.EINVAL)
	case dist.IsTimeout(err):
		return int(syscall.ETIMEDOUT)
	case errors.Is(err, errMalformedRequest), errors.Is(err, etf.ErrMalformed):
		return int(syscall.EBADMSG)
	case errors.Is(err, dist.ErrBadCookie):
		return int(syscall.EACCES)
	case errors.Is(err, epmd.ErrRegistrationRejected):
		return int(syscall.EADDRINUSE)
	case errors.Is(err, context.Canceled):
		return int(syscall.EINTR)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int(errno)
	}
	return int(syscall.EIO)
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("cnode", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional config file with timeouts, epmd port and log level")
	if err := fs.Parse(args); err != nil {
		return int(syscall.EINVAL)
	}

	cfg, err := LoadConfig(fs.Args(), *configPath)
	level := "info"
	if err == nil {
		level = cfg.LogLevel
	}
	log, lerr := logger.New(level)
	if lerr != nil {
		log = zap.NewExample()
		log.Error("failed to initialize logger", zap.Error(lerr))
	}
	defer log.Sync()

	if err != nil {
		log.Error("invalid startup arguments", zap.Error(err))
		return exitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node := makeNode(cfg, stdout, log.With(zap.String("node", cfg.NodeName)))
	err = node.Run(ctx)
	code := exitCode(err)
	if err != nil {
		log.Error("cnode terminated", zap.Error(err), zap.Int("status", code))
	} else {
		log.Info("cnode terminated", zap.Int("status", code))
	}
	return code
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}
