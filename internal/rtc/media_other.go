//go:build !linux || !cgo

package rtc

import "fmt"

// AcquireLocalMedia fails on non-Linux platforms: camera/mic capture via
// pion/mediadevices needs the V4L2/malgo drivers wired in media_linux.go.
// The failure takes the same abort path as a permission denial.
func AcquireLocalMedia(wantsVideo bool) (*Media, error) {
	return nil, fmt.Errorf("%w: no capture backend on this platform", ErrMediaAccessDenied)
}
