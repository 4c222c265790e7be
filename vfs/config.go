package vfs

// DefaultName of the registered VFS.
const DefaultName = "host-fs"

// DefaultMaxPathname is the MaxPathname used when none is configured.
const DefaultMaxPathname = 1024

// Config of an FS.
type Config struct {
	Name          string `long:"name" env:"NAME" default:"host-fs" validate:"required,printascii" description:"Name under which the VFS is registered with the engine"`
	ScratchDir    string `long:"scratch-dir" env:"SCRATCH_DIR" description:"Directory of temporary database files. Defaults to 'hostvfs' under the host temporary directory"`
	MaxPathname   int    `long:"max-pathname" env:"MAX_PATHNAME" default:"1024" validate:"min=64,max=65536" description:"Maximum length of a path name, in bytes"`
	PathCacheSize int    `long:"path-cache-size" env:"PATH_CACHE_SIZE" default:"256" validate:"min=0" description:"Number of canonical path lookups to cache. Zero disables the cache"`
}

// WithDefaults returns a copy of the Config with zero-valued fields
// replaced by their defaults.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.MaxPathname == 0 {
		c.MaxPathname = DefaultMaxPathname
	}
	return c
}
