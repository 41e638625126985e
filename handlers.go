package main

// Handler computes the reply value of a request.
type Handler func(a, b float64) float64

// DefaultHandlers are the functions a peer can call by atom.
var DefaultHandlers = map[string]Handler{
	"foo": foo,
	"bar": bar,
}

func add(a, b float64) float64 { return a + b }

func foo(a, b float64) float64 { return add(a, b) }

func bar(a, b float64) float64 { return a - b }
