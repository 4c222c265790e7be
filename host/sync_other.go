//go:build !linux

package host

import "github.com/spf13/afero"

// Sync flushes |f| to stable storage. Hosts other than Linux always perform
// a full flush.
func Sync(f afero.File, _ bool) error { return f.Sync() }
