package nn

// Repeat builds n modules with fn, passing the module index.
func Repeat[T any](n int, fn func(i int) T) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = fn(i)
	}
	return out
}
