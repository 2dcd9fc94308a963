package utils

import "time"

func Ptr[T any](v T) *T {
	return &v
}

// ClonePtr returns a new pointer holding a copy of *v, or nil.
func ClonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// TimePtrEqual reports whether two optional timestamps denote the same instant.
func TimePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
