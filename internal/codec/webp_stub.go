//go:build !cgo

package codec

func newWebPEncoder() Encoder {
	return nil
}
