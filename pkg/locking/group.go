package locking

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys. The router uses it to serialize writes of the same
// request identity into a partition, so the last completed write wins.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key.
	DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error)
}

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. Use it when the backend
// already serializes single-key writes itself.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	return fn()
}
