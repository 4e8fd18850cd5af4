package memutils

// Validatable is anything that can check its own layout invariants, such as a packed
// allocation. DebugValidate acts on it in builds with the debug_mem_utils tag.
type Validatable interface {
	Validate() error
}
