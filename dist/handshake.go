package dist

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrBadCookie          = errors.New("challenge digest mismatch")
	ErrHandshakeRejected  = errors.New("handshake rejected by peer")
	ErrHandshakeMalformed = errors.New("malformed handshake message")
)

const (
	tagNameOld       = 'n'
	tagNameNew       = 'N'
	tagStatus        = 's'
	tagComplement    = 'c'
	tagChallengeOld  = 'n'
	tagChallengeNew  = 'N'
	tagChallengeRepl = 'r'
	tagChallengeAck  = 'a'

	distVersion = 5
)

// HandshakeFunc authenticates a freshly opened connection and fills in the
// remote identity on the peer.
type HandshakeFunc func(*TCPPeer) error

// NOPHandshakeFunc skips authentication
func NOPHandshakeFunc(*TCPPeer) error { return nil }

// Node is the local identity presented during the handshake.
type Node struct {
	Name     string // full node name, alive@host
	Cookie   string
	Creation uint32
	Flags    Flags
}

// Handshake returns a HandshakeFunc running the accepting or the initiating
// side of the protocol depending on the direction of the peer.
func (n Node) Handshake() HandshakeFunc {
	return func(p *TCPPeer) error {
		if p.outbound {
			return n.initiate(p)
		}
		return n.accept(p)
	}
}

func (n Node) flags() Flags {
	if n.Flags == 0 {
		return DefaultFlags
	}
	return n.Flags
}

// read the two byte length header and the frame it announces
func readFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(head))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	if len(msg) == 0 {
		return nil, errors.Wrap(ErrHandshakeMalformed, "empty frame")
	}
	return msg, nil
}

func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) > 0xffff {
		return errors.New("handshake frame too large")
	}
	frame := binary.BigEndian.AppendUint16(make([]byte, 0, len(msg)+2), uint16(len(msg)))
	_, err := w.Write(append(frame, msg...))
	return err
}

func validName(name string) bool {
	at := strings.IndexByte(name, '@')
	return at > 0 && at < len(name)-1
}

// accept runs the receiving side: name, status, challenge, optional
// complement, reply check, ack.
func (n Node) accept(p *TCPPeer) error {
	msg, err := readFrame(p.Conn)
	if err != nil {
		return errors.Wrap(err, "recv name")
	}

	var oldName bool
	switch msg[0] {
	case tagNameOld:
		// n, version(2), flags(4), name
		if len(msg) < 7 {
			return errors.Wrap(ErrHandshakeMalformed, "short name message")
		}
		oldName = true
		p.flags = Flags(binary.BigEndian.Uint32(msg[3:7]))
		p.name = string(msg[7:])
	case tagNameNew:
		// N, flags(8), creation(4), nlen(2), name
		if len(msg) < 15 {
			return errors.Wrap(ErrHandshakeMalformed, "short name message")
		}
		p.flags = Flags(binary.BigEndian.Uint64(msg[1:9]))
		p.creation = binary.BigEndian.Uint32(msg[9:13])
		nlen := int(binary.BigEndian.Uint16(msg[13:15]))
		if len(msg) < 15+nlen {
			return errors.Wrap(ErrHandshakeMalformed, "truncated node name")
		}
		p.name = string(msg[15 : 15+nlen])
	default:
		return errors.Wrapf(ErrHandshakeMalformed, "unexpected tag %q", msg[0])
	}
	if !validName(p.name) {
		return errors.Wrapf(ErrHandshakeMalformed, "bad node name %q", p.name)
	}

	if err := writeFrame(p.Conn, append([]byte{tagStatus}, "ok"...)); err != nil {
		return errors.Wrap(err, "send status")
	}

	challenge, err := genChallenge()
	if err != nil {
		return errors.Wrap(err, "generate challenge")
	}

	newChallenge := p.flags.Has(FlagHandshake23)
	var out []byte
	if newChallenge {
		out = append(out, tagChallengeNew)
		out = binary.BigEndian.AppendUint64(out, uint64(n.flags()))
		out = binary.BigEndian.AppendUint32(out, challenge)
		out = binary.BigEndian.AppendUint32(out, n.Creation)
		out = binary.BigEndian.AppendUint16(out, uint16(len(n.Name)))
		out = append(out, n.Name...)
	} else {
		out = append(out, tagChallengeOld)
		out = binary.BigEndian.AppendUint16(out, distVersion)
		out = binary.BigEndian.AppendUint32(out, uint32(n.flags()))
		out = binary.BigEndian.AppendUint32(out, challenge)
		out = append(out, n.Name...)
	}
	if err := writeFrame(p.Conn, out); err != nil {
		return errors.Wrap(err, "send challenge")
	}

	msg, err = readFrame(p.Conn)
	if err != nil {
		return errors.Wrap(err, "recv challenge reply")
	}
	if oldName && newChallenge && msg[0] == tagComplement {
		// c, flags high(4), creation(4)
		if len(msg) != 9 {
			return errors.Wrap(ErrHandshakeMalformed, "bad complement")
		}
		p.flags |= Flags(binary.BigEndian.Uint32(msg[1:5])) << 32
		p.creation = binary.BigEndian.Uint32(msg[5:9])
		if msg, err = readFrame(p.Conn); err != nil {
			return errors.Wrap(err, "recv challenge reply")
		}
	}

	// r, challenge(4), digest(16)
	if msg[0] != tagChallengeRepl || len(msg) != 21 {
		return errors.Wrapf(ErrHandshakeMalformed, "expected challenge reply, got %q", msg[0])
	}
	peerChallenge := binary.BigEndian.Uint32(msg[1:5])
	if !checkDigest(msg[5:21], challenge, n.Cookie) {
		return errors.Wrapf(ErrBadCookie, "from %s", p.name)
	}

	digest := genDigest(peerChallenge, n.Cookie)
	if err := writeFrame(p.Conn, append([]byte{tagChallengeAck}, digest[:]...)); err != nil {
		return errors.Wrap(err, "send challenge ack")
	}
	return nil
}

// initiate runs the connecting side with the new name format.
func (n Node) initiate(p *TCPPeer) error {
	out := []byte{tagNameNew}
	out = binary.BigEndian.AppendUint64(out, uint64(n.flags()))
	out = binary.BigEndian.AppendUint32(out, n.Creation)
	out = binary.BigEndian.AppendUint16(out, uint16(len(n.Name)))
	out = append(out, n.Name...)
	if err := writeFrame(p.Conn, out); err != nil {
		return errors.Wrap(err, "send name")
	}

	msg, err := readFrame(p.Conn)
	if err != nil {
		return errors.Wrap(err, "recv status")
	}
	if msg[0] != tagStatus {
		return errors.Wrapf(ErrHandshakeMalformed, "expected status, got %q", msg[0])
	}
	if status := string(msg[1:]); status != "ok" && status != "ok_simultaneous" {
		return errors.Wrap(ErrHandshakeRejected, status)
	}

	msg, err = readFrame(p.Conn)
	if err != nil {
		return errors.Wrap(err, "recv challenge")
	}
	var peerChallenge uint32
	switch msg[0] {
	case tagChallengeNew:
		// N, flags(8), challenge(4), creation(4), nlen(2), name
		if len(msg) < 19 {
			return errors.Wrap(ErrHandshakeMalformed, "short challenge")
		}
		p.flags = Flags(binary.BigEndian.Uint64(msg[1:9]))
		peerChallenge = binary.BigEndian.Uint32(msg[9:13])
		p.creation = binary.BigEndian.Uint32(msg[13:17])
		nlen := int(binary.BigEndian.Uint16(msg[17:19]))
		if len(msg) < 19+nlen {
			return errors.Wrap(ErrHandshakeMalformed, "truncated node name")
		}
		p.name = string(msg[19 : 19+nlen])
	case tagChallengeOld:
		// n, version(2), flags(4), challenge(4), name
		if len(msg) < 11 {
			return errors.Wrap(ErrHandshakeMalformed, "short challenge")
		}
		p.flags = Flags(binary.BigEndian.Uint32(msg[3:7]))
		peerChallenge = binary.BigEndian.Uint32(msg[7:11])
		p.name = string(msg[11:])
	default:
		return errors.Wrapf(ErrHandshakeMalformed, "unexpected tag %q", msg[0])
	}

	challenge, err := genChallenge()
	if err != nil {
		return errors.Wrap(err, "generate challenge")
	}
	digest := genDigest(peerChallenge, n.Cookie)
	out = binary.BigEndian.AppendUint32([]byte{tagChallengeRepl}, challenge)
	if err := writeFrame(p.Conn, append(out, digest[:]...)); err != nil {
		return errors.Wrap(err, "send challenge reply")
	}

	msg, err = readFrame(p.Conn)
	if err != nil {
		return errors.Wrap(err, "recv challenge ack")
	}
	if msg[0] != tagChallengeAck || len(msg) != 17 {
		return errors.Wrapf(ErrHandshakeMalformed, "expected challenge ack, got %q", msg[0])
	}
	if !checkDigest(msg[1:], challenge, n.Cookie) {
		return errors.Wrapf(ErrBadCookie, "from %s", p.name)
	}
	return nil
}
