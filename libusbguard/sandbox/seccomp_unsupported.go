//go:build !linux || !cgo || !seccomp

package sandbox

import "errors"

// ErrSeccompNotEnabled is returned when a seccomp filter is requested from
// a binary built without seccomp support.
var ErrSeccompNotEnabled = errors.New("seccomp requested but not supported by this build")

func loadSeccomp() error {
	return ErrSeccompNotEnabled
}

// Version returns 0.0.0 because seccomp is not supported.
func Version() (uint, uint, uint) {
	return 0, 0, 0
}
