// Package lifetime ties the destruction of device objects to an owner, so each object is
// destroyed exactly once and in reverse order of acquisition.
package lifetime

// noCopy may be embedded into structs which must not be copied after first use. go vet's
// copylocks check reports copies of any struct containing it.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Owned holds a single value together with the operation that destroys it. The zero value is an
// empty Owned with no destroy operation; use New.
type Owned[T any] struct {
	noCopy noCopy

	value   T
	valid   bool
	destroy func(T)
}

// New takes ownership of value. destroy is called once for every value the Owned holds when that
// value is replaced or the Owned is destroyed.
func New[T any](value T, destroy func(T)) *Owned[T] {
	return &Owned[T]{
		value:   value,
		valid:   true,
		destroy: destroy,
	}
}

// Empty creates an Owned that holds nothing yet
func Empty[T any](destroy func(T)) *Owned[T] {
	return &Owned[T]{destroy: destroy}
}

// Valid reports whether the Owned currently holds a value
func (o *Owned[T]) Valid() bool {
	return o.valid
}

// Get returns the held value, or T's zero value if the Owned is empty. Ownership stays with o.
func (o *Owned[T]) Get() T {
	return o.value
}

// Reset destroys the held value, if any, and takes ownership of value
func (o *Owned[T]) Reset(value T) {
	o.Destroy()
	o.value = value
	o.valid = true
}

// Release returns the held value without destroying it and leaves o empty. The caller becomes
// responsible for destroying it.
func (o *Owned[T]) Release() (T, bool) {
	value, valid := o.value, o.valid

	var zero T
	o.value = zero
	o.valid = false

	return value, valid
}

// Move transfers the held value and destroy operation into a new Owned, leaving o empty
func (o *Owned[T]) Move() *Owned[T] {
	value, valid := o.Release()
	return &Owned[T]{
		value:   value,
		valid:   valid,
		destroy: o.destroy,
	}
}

// Destroy destroys the held value and leaves o empty. Destroying an empty Owned does nothing.
func (o *Owned[T]) Destroy() {
	value, valid := o.Release()
	if valid && o.destroy != nil {
		o.destroy(value)
	}
}

// Collection owns a homogeneous set of values that share one destroy operation
type Collection[T any] struct {
	noCopy noCopy

	values  []T
	destroy func(T)
}

// NewCollection takes ownership of values
func NewCollection[T any](values []T, destroy func(T)) *Collection[T] {
	return &Collection[T]{
		values:  values,
		destroy: destroy,
	}
}

func (c *Collection[T]) Len() int      { return len(c.values) }
func (c *Collection[T]) At(i int) T    { return c.values[i] }
func (c *Collection[T]) Values() []T   { return c.values }
func (c *Collection[T]) Append(v T)    { c.values = append(c.values, v) }
func (c *Collection[T]) IsEmpty() bool { return len(c.values) == 0 }

// Reset destroys every held value and then takes ownership of values
func (c *Collection[T]) Reset(values []T) {
	c.Destroy()
	c.values = values
}

// Release returns the held values without destroying them and leaves c empty
func (c *Collection[T]) Release() []T {
	values := c.values
	c.values = nil
	return values
}

// Move transfers the held values and destroy operation into a new Collection, leaving c empty
func (c *Collection[T]) Move() *Collection[T] {
	return &Collection[T]{
		values:  c.Release(),
		destroy: c.destroy,
	}
}

// Destroy destroys the held values, last to first, and leaves c empty
func (c *Collection[T]) Destroy() {
	values := c.Release()
	if c.destroy == nil {
		return
	}

	for i := len(values) - 1; i >= 0; i-- {
		c.destroy(values[i])
	}
}
