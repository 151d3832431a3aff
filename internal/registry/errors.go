package registry

// notFoundError signals a name that fell through every resolution rule.
type notFoundError struct{ name string }

func (e notFoundError) Error() string { return "model not found: " + e.name }

// IsNotFound reports whether err indicates an unresolvable model name.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}
