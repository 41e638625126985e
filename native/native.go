// Package native holds the integer extension functions and the table that
// exports them under fixed names, two integer arguments in and one out.
package native

import (
	"math/big"

	"github.com/pkg/errors"

	"github.com/utkarshgupta2804/cnode/etf"
)

var (
	ErrUndefined = errors.New("undefined function")
	ErrBadArg    = errors.New("bad argument")
)

func Add(a, b int) int { return a + b }

func Sub(a, b int) int { return a - b }

// Func is one exported entry: a name, its arity and the implementation.
type Func struct {
	Name  string
	Arity int
	Fun   func(a, b int) int
}

// Funcs is the export table. foo and bar are the names the host module
// binds; add and sub expose the helpers directly.
var Funcs = []Func{
	{Name: "foo", Arity: 2, Fun: Add},
	{Name: "bar", Arity: 2, Fun: Sub},
	{Name: "add", Arity: 2, Fun: Add},
	{Name: "sub", Arity: 2, Fun: Sub},
}

func lookup(name string, arity int) (Func, bool) {
	for _, f := range Funcs {
		if f.Name == name && f.Arity == arity {
			return f, true
		}
	}
	return Func{}, false
}

// Call runs the exported function name with integer terms and returns the
// integer result as a term.
func Call(name string, args ...etf.Term) (etf.Term, error) {
	f, ok := lookup(name, len(args))
	if !ok {
		return nil, errors.Wrapf(ErrUndefined, "%s/%d", name, len(args))
	}
	a, err := toInt(args[0])
	if err != nil {
		return nil, errors.Wrapf(err, "%s/%d argument 1", name, f.Arity)
	}
	b, err := toInt(args[1])
	if err != nil {
		return nil, errors.Wrapf(err, "%s/%d argument 2", name, f.Arity)
	}
	return int64(f.Fun(a, b)), nil
}

func toInt(t etf.Term) (int, error) {
	switch v := t.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case *big.Int:
		if v.IsInt64() {
			return int(v.Int64()), nil
		}
	}
	return 0, errors.Wrapf(ErrBadArg, "%s is not an integer", etf.Format(t))
}
