//go:build !greym32

package protect

// wordField converts a VA to the field width of the build's TLS directory.
func wordField(v uint64) uint64 {
	return v
}
