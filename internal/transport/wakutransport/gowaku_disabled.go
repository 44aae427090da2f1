//go:build !real_waku

package wakutransport

func newWakuBackend() backend {
	return nil
}
