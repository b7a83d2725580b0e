package entity

// Presence distinguishes a key that was never supplied from one supplied as
// null.
type Presence uint8

const (
	Unset Presence = iota
	Null
	Present
)

// Opt is a tri-state optional input.
type Opt[T any] struct {
	state Presence
	val   T
}

func Some[T any](v T) Opt[T] { return Opt[T]{state: Present, val: v} }

func None[T any]() Opt[T] { return Opt[T]{state: Null} }

func (o Opt[T]) State() Presence { return o.state }

func (o Opt[T]) IsUnset() bool { return o.state == Unset }

func (o Opt[T]) IsNull() bool { return o.state == Null }

// Get returns the value and whether one was supplied.
func (o Opt[T]) Get() (T, bool) { return o.val, o.state == Present }

// Lookup reads key from data as a tri-state value.
func Lookup(data Tree, key string) Opt[any] {
	v, ok := data[key]
	if !ok {
		return Opt[any]{}
	}
	if v == nil {
		return None[any]()
	}
	return Some(v)
}
