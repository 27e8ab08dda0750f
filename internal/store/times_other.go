//go:build !linux && !darwin

package store

import "time"

// Platforms without lutimes leave symlink timestamps untouched.
func lchtimes(string, time.Time) error { return nil }
