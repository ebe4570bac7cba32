//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package v4l2

import "unsafe"

// Compile-time layout checks against the 64-bit kernel ABI. Each line fails
// to compile if the Go struct size differs from the kernel's.
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 208]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormatMPlane{}) - 192]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 88]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Plane{}) - 64]struct{}{}

	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.timestamp) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.m) - 64]struct{}{}
)
