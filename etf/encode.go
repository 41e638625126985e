package etf

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/big"

	"github.com/pkg/errors"
)

// Encoder writes versioned terms.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the version marker followed by t.
func (e *Encoder) Encode(t Term) error {
	buf := new(bytes.Buffer)
	buf.WriteByte(Version)
	if err := appendTerm(buf, t); err != nil {
		return err
	}
	_, err := e.w.Write(buf.Bytes())
	return err
}

// Marshal returns the versioned encoding of t.
func Marshal(t Term) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := NewEncoder(buf).Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendTerm(b *bytes.Buffer, t Term) error {
	switch v := t.(type) {
	case Atom:
		return appendAtom(b, v)
	case bool:
		if v {
			return appendAtom(b, "true")
		}
		return appendAtom(b, "false")
	case int:
		appendInt(b, int64(v))
	case int32:
		appendInt(b, int64(v))
	case int64:
		appendInt(b, v)
	case uint8:
		appendInt(b, int64(v))
	case *big.Int:
		appendBig(b, v)
	case float64:
		b.WriteByte(tagNewFloat)
		writeUint64(b, math.Float64bits(v))
	case float32:
		b.WriteByte(tagNewFloat)
		writeUint64(b, math.Float64bits(float64(v)))
	case Tuple:
		if len(v) < 256 {
			b.WriteByte(tagSmallTuple)
			b.WriteByte(byte(len(v)))
		} else {
			b.WriteByte(tagLargeTuple)
			writeUint32(b, uint32(len(v)))
		}
		for _, e := range v {
			if err := appendTerm(b, e); err != nil {
				return err
			}
		}
	case List:
		if len(v.Elems) == 0 && v.Tail == nil {
			b.WriteByte(tagNil)
			return nil
		}
		b.WriteByte(tagList)
		writeUint32(b, uint32(len(v.Elems)))
		for _, e := range v.Elems {
			if err := appendTerm(b, e); err != nil {
				return err
			}
		}
		if v.Tail == nil {
			b.WriteByte(tagNil)
			return nil
		}
		return appendTerm(b, v.Tail)
	case string:
		if len(v) > math.MaxUint16 {
			return errors.Errorf("string of %d bytes does not fit STRING_EXT", len(v))
		}
		if len(v) == 0 {
			b.WriteByte(tagNil)
			return nil
		}
		b.WriteByte(tagString)
		writeUint16(b, uint16(len(v)))
		b.WriteString(v)
	case []byte:
		b.WriteByte(tagBinary)
		writeUint32(b, uint32(len(v)))
		b.Write(v)
	case Pid:
		b.WriteByte(tagNewPid)
		if err := appendAtom(b, v.Node); err != nil {
			return err
		}
		writeUint32(b, v.ID)
		writeUint32(b, v.Serial)
		writeUint32(b, v.Creation)
	case Ref:
		b.WriteByte(tagNewerReference)
		writeUint16(b, uint16(len(v.ID)))
		if err := appendAtom(b, v.Node); err != nil {
			return err
		}
		writeUint32(b, v.Creation)
		for _, id := range v.ID {
			writeUint32(b, id)
		}
	case Map:
		b.WriteByte(tagMap)
		writeUint32(b, uint32(len(v)))
		for _, p := range v {
			if err := appendTerm(b, p.Key); err != nil {
				return err
			}
			if err := appendTerm(b, p.Value); err != nil {
				return err
			}
		}
	default:
		return errors.Errorf("cannot encode %T", t)
	}
	return nil
}

func appendAtom(b *bytes.Buffer, a Atom) error {
	if len(a) > math.MaxUint16 {
		return errors.Errorf("atom of %d bytes is too long", len(a))
	}
	if len(a) < 256 {
		b.WriteByte(tagSmallAtomUTF8)
		b.WriteByte(byte(len(a)))
	} else {
		b.WriteByte(tagAtomUTF8)
		writeUint16(b, uint16(len(a)))
	}
	b.WriteString(string(a))
	return nil
}

func appendInt(b *bytes.Buffer, n int64) {
	switch {
	case n >= 0 && n <= math.MaxUint8:
		b.WriteByte(tagSmallInteger)
		b.WriteByte(byte(n))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		b.WriteByte(tagInteger)
		writeUint32(b, uint32(int32(n)))
	default:
		appendBig(b, big.NewInt(n))
	}
}

func appendBig(b *bytes.Buffer, v *big.Int) {
	digits := new(big.Int).Abs(v).Bytes()
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	if len(digits) < 256 {
		b.WriteByte(tagSmallBig)
		b.WriteByte(byte(len(digits)))
	} else {
		b.WriteByte(tagLargeBig)
		writeUint32(b, uint32(len(digits)))
	}
	if v.Sign() < 0 {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
	b.Write(digits)
}

func writeUint16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func writeUint32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func writeUint64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}
