//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

// lockDevice is a no-op where flock is unavailable.
var lockDevice = func(string) (func(), error) { return func() {}, nil }
