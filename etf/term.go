// Package etf implements the subset of the Erlang external term format
// spoken on a distribution connection.
package etf

import (
	"fmt"
	"math/big"
	"strings"
)

const Version = 131

const (
	tagNewFloat       = 70
	tagNewerReference = 90
	tagNewPid         = 88
	tagSmallInteger   = 97
	tagInteger        = 98
	tagFloat          = 99
	tagAtom           = 100
	tagPid            = 103
	tagSmallTuple     = 104
	tagLargeTuple     = 105
	tagNil            = 106
	tagString         = 107
	tagList           = 108
	tagBinary         = 109
	tagSmallBig       = 110
	tagLargeBig       = 111
	tagNewReference   = 114
	tagSmallAtom      = 115
	tagMap            = 116
	tagAtomUTF8       = 118
	tagSmallAtomUTF8  = 119
)

// Term is any decoded value: Atom, int64, *big.Int, float64, Tuple, List,
// []byte, string (from STRING_EXT), Pid, Ref or Map.
type Term interface{}

type Atom string

type Tuple []Term

// List is a proper list. Improper tails are kept in Tail.
type List struct {
	Elems []Term
	Tail  Term
}

type Pid struct {
	Node     Atom
	ID       uint32
	Serial   uint32
	Creation uint32
}

func (p Pid) String() string {
	return fmt.Sprintf("<%s.%d.%d>", p.Node, p.ID, p.Serial)
}

type Ref struct {
	Node     Atom
	Creation uint32
	ID       []uint32
}

// Map keeps pairs in wire order since Term values are not all comparable.
type Map []MapPair

type MapPair struct {
	Key   Term
	Value Term
}

// NewList builds a proper list.
func NewList(elems ...Term) List {
	return List{Elems: elems}
}

// Nil is the empty list.
var Nil = List{}

// Format renders a term in Erlang shell notation, for logs.
func Format(t Term) string {
	var b strings.Builder
	format(&b, t)
	return b.String()
}

func format(b *strings.Builder, t Term) {
	switch v := t.(type) {
	case Atom:
		b.WriteString(string(v))
	case Tuple:
		b.WriteByte('{')
		for i, e := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			format(b, e)
		}
		b.WriteByte('}')
	case List:
		b.WriteByte('[')
		for i, e := range v.Elems {
			if i > 0 {
				b.WriteByte(',')
			}
			format(b, e)
		}
		if v.Tail != nil {
			b.WriteByte('|')
			format(b, v.Tail)
		}
		b.WriteByte(']')
	case []byte:
		fmt.Fprintf(b, "<<%q>>", v)
	case string:
		fmt.Fprintf(b, "%q", v)
	case *big.Int:
		b.WriteString(v.String())
	case Map:
		b.WriteString("#{")
		for i, p := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			format(b, p.Key)
			b.WriteString("=>")
			format(b, p.Value)
		}
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "%v", v)
	}
}
