package dist

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/utkarshgupta2804/cnode/etf"
)

// ErrUnknownPacket is returned for packets that are neither ticks nor
// pass-through control messages.
var ErrUnknownPacket = errors.New("unknown distribution packet")

// maxPacket bounds a single packet read from the wire.
const maxPacket = 64 << 20

// Decoder decodes packets from a reader
type Decoder interface {
	Decode(io.Reader, *Message) error
}

// PacketDecoder reads 4-byte length prefixed distribution packets. A zero
// length packet is a tick.
type PacketDecoder struct{}

func (dec PacketDecoder) Decode(r io.Reader, msg *Message) error {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(head)
	if n == 0 {
		msg.Tick = true
		return nil
	}
	if n > maxPacket {
		return errors.Wrapf(ErrUnknownPacket, "packet of %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if buf[0] != passThrough {
		return errors.Wrapf(ErrUnknownPacket, "type %d", buf[0])
	}

	d := etf.NewDecoder(bytes.NewReader(buf[1:]))
	ctl, err := d.Decode()
	if err != nil {
		return errors.Wrap(err, "decode control message")
	}
	tuple, ok := ctl.(etf.Tuple)
	if !ok || len(tuple) == 0 {
		return errors.Wrapf(etf.ErrMalformed, "control message %s", etf.Format(ctl))
	}
	op, ok := tuple[0].(int64)
	if !ok {
		return errors.Wrapf(etf.ErrMalformed, "control operation %s", etf.Format(tuple[0]))
	}
	msg.Op = int(op)
	msg.Control = tuple

	if hasPayload(msg.Op) {
		if msg.Payload, err = d.Decode(); err != nil {
			return errors.Wrap(err, "decode message payload")
		}
	}
	return nil
}

// encodePacket builds a length prefixed pass-through packet.
func encodePacket(control etf.Tuple, payload etf.Term) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write([]byte{0, 0, 0, 0, passThrough})
	enc := etf.NewEncoder(buf)
	if err := enc.Encode(control); err != nil {
		return nil, errors.Wrap(err, "encode control message")
	}
	if payload != nil {
		if err := enc.Encode(payload); err != nil {
			return nil, errors.Wrap(err, "encode message payload")
		}
	}
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
	return b, nil
}

var tick = []byte{0, 0, 0, 0}
