package etf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrMalformed   = errors.New("malformed term")
	ErrBadVersion  = errors.New("missing term version marker")
	ErrUnsupported = errors.New("unsupported term tag")
)

// maxLength bounds any single length field. Storage grows with the bytes
// actually read, so a header alone never allocates more than maxPrealloc.
const (
	maxLength   = 64 << 20
	maxPrealloc = 1024
)

func capHint(n int) int {
	if n > maxPrealloc {
		return maxPrealloc
	}
	return n
}

// Decoder reads consecutive versioned terms from a stream. It buffers, so
// the underlying reader must not be shared with other consumers.
type Decoder struct {
	r   *bufio.Reader
	buf [8]byte
}

func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br}
}

// Decode reads the next versioned term. io.EOF is returned unwrapped when
// the stream ends cleanly between terms.
func (d *Decoder) Decode() (Term, error) {
	v, err := d.r.ReadByte()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrap(err, "read version")
	}
	if v != Version {
		return nil, errors.Wrapf(ErrBadVersion, "got %d", v)
	}
	return d.term()
}

// More reports whether unread bytes remain.
func (d *Decoder) More() bool {
	_, err := d.r.Peek(1)
	return err == nil
}

// Decode reads one versioned term from r.
func Decode(r io.Reader) (Term, error) {
	return NewDecoder(r).Decode()
}

// Unmarshal decodes a single versioned term and rejects trailing bytes.
func Unmarshal(data []byte) (Term, error) {
	d := NewDecoder(bytes.NewReader(data))
	t, err := d.Decode()
	if err == io.EOF {
		return nil, errors.Wrap(ErrMalformed, "empty input")
	}
	if err != nil {
		return nil, err
	}
	if d.More() {
		return nil, errors.Wrap(ErrMalformed, "trailing bytes after term")
	}
	return t, nil
}

func (d *Decoder) read(n int) ([]byte, error) {
	if n > maxLength {
		return nil, errors.Wrapf(ErrMalformed, "length %d too large", n)
	}
	if n <= maxPrealloc {
		b := make([]byte, n)
		if _, err := io.ReadFull(d.r, b); err != nil {
			return nil, truncated(err)
		}
		return b, nil
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, d.r, int64(n)); err != nil {
		return nil, truncated(err)
	}
	return buf.Bytes(), nil
}

func (d *Decoder) u8() (uint8, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, truncated(err)
	}
	return b, nil
}

func (d *Decoder) u16() (uint16, error) {
	if _, err := io.ReadFull(d.r, d.buf[:2]); err != nil {
		return 0, truncated(err)
	}
	return binary.BigEndian.Uint16(d.buf[:2]), nil
}

func (d *Decoder) u32() (uint32, error) {
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return 0, truncated(err)
	}
	return binary.BigEndian.Uint32(d.buf[:4]), nil
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrap(ErrMalformed, "truncated term")
	}
	return err
}

func (d *Decoder) term() (Term, error) {
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagSmallInteger:
		n, err := d.u8()
		return int64(n), err
	case tagInteger:
		n, err := d.u32()
		return int64(int32(n)), err
	case tagNewFloat:
		b, err := d.read(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case tagFloat:
		b, err := d.read(31)
		if err != nil {
			return nil, err
		}
		s := strings.TrimRight(string(b), "\x00")
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "float %q", s)
		}
		return f, nil
	case tagAtom, tagAtomUTF8:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		return d.atom(int(n))
	case tagSmallAtom, tagSmallAtomUTF8:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.atom(int(n))
	case tagSmallTuple:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.tuple(int(n))
	case tagLargeTuple:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.tuple(int(n))
	case tagNil:
		return Nil, nil
	case tagString:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		b, err := d.read(int(n))
		return string(b), err
	case tagList:
		return d.list()
	case tagBinary:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.read(int(n))
	case tagSmallBig:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.big(int(n))
	case tagLargeBig:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.big(int(n))
	case tagPid, tagNewPid:
		return d.pid(tag)
	case tagNewReference, tagNewerReference:
		return d.ref(tag)
	case tagMap:
		return d.mapTerm()
	}
	return nil, errors.Wrapf(ErrUnsupported, "tag %d", tag)
}

func (d *Decoder) atom(n int) (Term, error) {
	b, err := d.read(n)
	if err != nil {
		return nil, err
	}
	return Atom(b), nil
}

func (d *Decoder) tuple(n int) (Term, error) {
	if n > maxLength {
		return nil, errors.Wrapf(ErrMalformed, "tuple arity %d", n)
	}
	t := make(Tuple, 0, capHint(n))
	for i := 0; i < n; i++ {
		e, err := d.term()
		if err != nil {
			return nil, err
		}
		t = append(t, e)
	}
	return t, nil
}

func (d *Decoder) list() (Term, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > maxLength {
		return nil, errors.Wrapf(ErrMalformed, "list length %d", n)
	}
	l := List{Elems: make([]Term, 0, capHint(int(n)))}
	for i := uint32(0); i < n; i++ {
		e, err := d.term()
		if err != nil {
			return nil, err
		}
		l.Elems = append(l.Elems, e)
	}
	tail, err := d.term()
	if err != nil {
		return nil, err
	}
	if tl, ok := tail.(List); !ok || len(tl.Elems) != 0 || tl.Tail != nil {
		l.Tail = tail
	}
	return l, nil
}

func (d *Decoder) big(n int) (Term, error) {
	sign, err := d.u8()
	if err != nil {
		return nil, err
	}
	digits, err := d.read(n)
	if err != nil {
		return nil, err
	}
	// little-endian on the wire
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	v := new(big.Int).SetBytes(digits)
	if sign != 0 {
		v.Neg(v)
	}
	if v.IsInt64() {
		return v.Int64(), nil
	}
	return v, nil
}

func (d *Decoder) node() (Atom, error) {
	t, err := d.term()
	if err != nil {
		return "", err
	}
	a, ok := t.(Atom)
	if !ok {
		return "", errors.Wrap(ErrMalformed, "node name is not an atom")
	}
	return a, nil
}

func (d *Decoder) pid(tag byte) (Term, error) {
	var (
		p   Pid
		err error
	)
	if p.Node, err = d.node(); err != nil {
		return nil, err
	}
	if p.ID, err = d.u32(); err != nil {
		return nil, err
	}
	if p.Serial, err = d.u32(); err != nil {
		return nil, err
	}
	if tag == tagPid {
		c, err := d.u8()
		p.Creation = uint32(c)
		return p, err
	}
	p.Creation, err = d.u32()
	return p, err
}

func (d *Decoder) ref(tag byte) (Term, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	r := Ref{ID: make([]uint32, n)}
	if r.Node, err = d.node(); err != nil {
		return nil, err
	}
	if tag == tagNewReference {
		c, err := d.u8()
		if err != nil {
			return nil, err
		}
		r.Creation = uint32(c)
	} else if r.Creation, err = d.u32(); err != nil {
		return nil, err
	}
	for i := range r.ID {
		if r.ID[i], err = d.u32(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (d *Decoder) mapTerm() (Term, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > maxLength {
		return nil, errors.Wrapf(ErrMalformed, "map size %d", n)
	}
	m := make(Map, 0, capHint(int(n)))
	for i := uint32(0); i < n; i++ {
		var p MapPair
		if p.Key, err = d.term(); err != nil {
			return nil, err
		}
		if p.Value, err = d.term(); err != nil {
			return nil, err
		}
		m = append(m, p)
	}
	return m, nil
}
