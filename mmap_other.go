//go:build !unix

package guda

// mapHostPages falls back to heap memory where anonymous mappings are not
// available.
func mapHostPages(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapHostPages(buf []byte) error {
	return nil
}
