//go:build !linux

package device

// NewNativeUVC はLinux以外ではネイティブドライバーが無いためnilを返す
func NewNativeUVC(_ UVCConfig) Backend {
	return nil
}
