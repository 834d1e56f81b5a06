//go:build !govips || !cgo

package codec

func Startup() error {
	return nil
}

func Shutdown() {}

func Backend() string {
	if newWebPEncoder() != nil {
		return "libwebp"
	}
	return "stdlib"
}
