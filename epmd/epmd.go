// Package epmd talks to the Erlang port mapper daemon, the naming service
// a node registers with so peers can find its distribution port by name.
package epmd

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultPort = 4369

	alive2Req   byte = 120
	alive2Resp  byte = 121
	alive2XResp byte = 118
	portPlease2 byte = 122
	port2Resp   byte = 119

	nodeTypeHidden byte   = 72
	protocolTCP    byte   = 0
	highestVersion uint16 = 6
	lowestVersion  uint16 = 5
)

var (
	ErrRegistrationRejected = errors.New("epmd rejected registration")
	ErrNodeNotFound         = errors.New("node not registered with epmd")
	ErrUnexpectedReply      = errors.New("unexpected epmd reply")
)

// Client holds the daemon address. The zero value targets localhost on the
// default port.
type Client struct {
	Addr   string
	Logger *zap.Logger
}

func NewClient(port int, logger *zap.Logger) *Client {
	if port == 0 {
		port = DefaultPort
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		Addr:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Logger: logger,
	}
}

func (c *Client) addr() string {
	if c.Addr == "" {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultPort))
	}
	return c.Addr
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return nil, errors.Wrapf(err, "dial epmd %s", c.addr())
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

// Registration is alive for as long as its connection stays open.
type Registration struct {
	Alive    string
	Port     uint16
	Creation uint32
	conn     net.Conn
}

// Close drops the connection, which makes epmd forget the name.
func (r *Registration) Close() error {
	return r.conn.Close()
}

// Register publishes alive (the part of the node name before '@') with its
// listening port as a hidden node.
func (c *Client) Register(ctx context.Context, alive string, port uint16) (*Registration, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, 13+len(alive))
	body = append(body, alive2Req)
	body = binary.BigEndian.AppendUint16(body, port)
	body = append(body, nodeTypeHidden, protocolTCP)
	body = binary.BigEndian.AppendUint16(body, highestVersion)
	body = binary.BigEndian.AppendUint16(body, lowestVersion)
	body = binary.BigEndian.AppendUint16(body, uint16(len(alive)))
	body = append(body, alive...)
	body = binary.BigEndian.AppendUint16(body, 0) // no extra

	// a silent daemon must not outlive the caller's context
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	creation, err := sendAlive(conn, body)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, errors.Wrapf(err, "register %s", alive)
	}
	conn.SetDeadline(time.Time{})

	c.logger().Debug("registered with epmd",
		zap.String("alive", alive),
		zap.Uint16("port", port),
		zap.Uint32("creation", creation),
	)

	return &Registration{Alive: alive, Port: port, Creation: creation, conn: conn}, nil
}

func sendAlive(conn net.Conn, body []byte) (uint32, error) {
	if err := writeRequest(conn, body); err != nil {
		return 0, errors.Wrap(err, "send ALIVE2_REQ")
	}
	return readAliveReply(conn)
}

func readAliveReply(r io.Reader) (uint32, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return 0, errors.Wrap(err, "read ALIVE2 reply")
	}
	if head[1] != 0 {
		return 0, errors.Wrapf(ErrRegistrationRejected, "result %d", head[1])
	}
	switch head[0] {
	case alive2XResp:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, errors.Wrap(err, "read creation")
		}
		return binary.BigEndian.Uint32(b), nil
	case alive2Resp:
		b := make([]byte, 2)
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, errors.Wrap(err, "read creation")
		}
		return uint32(binary.BigEndian.Uint16(b)), nil
	}
	return 0, errors.Wrapf(ErrUnexpectedReply, "tag %d", head[0])
}

// LookupPort asks epmd for the distribution port of alive.
func (c *Client) LookupPort(ctx context.Context, alive string) (uint16, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	defer context.AfterFunc(ctx, func() { conn.Close() })()

	body := append([]byte{portPlease2}, alive...)
	if err := writeRequest(conn, body); err != nil {
		return 0, errors.Wrap(err, "send PORT_PLEASE2_REQ")
	}

	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return 0, errors.Wrap(err, "read PORT2_RESP")
	}
	if head[0] != port2Resp {
		return 0, errors.Wrapf(ErrUnexpectedReply, "tag %d", head[0])
	}
	if head[1] != 0 {
		return 0, errors.Wrap(ErrNodeNotFound, alive)
	}
	b := make([]byte, 2)
	if _, err := io.ReadFull(conn, b); err != nil {
		return 0, errors.Wrap(err, "read port")
	}
	return binary.BigEndian.Uint16(b), nil
}

func writeRequest(w io.Writer, body []byte) error {
	msg := binary.BigEndian.AppendUint16(make([]byte, 0, len(body)+2), uint16(len(body)))
	_, err := w.Write(append(msg, body...))
	return err
}
