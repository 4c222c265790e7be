package engine

import (
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.gazette.dev/hostvfs/vfs"
)

// DefaultDriverName is the database/sql driver name registered by a
// DriverEngine when none is configured.
const DefaultDriverName = "sqlite3_hostvfs"

// Config of a Runtime.
type Config struct {
	VFS vfs.Config `group:"VFS" namespace:"vfs" env-namespace:"VFS"`

	Assertions     bool     `long:"assertions" env:"ASSERTIONS" description:"Track mutex owners, so that engine held and not-held assertions are meaningful"`
	HeapLimit      string   `long:"heap-limit" env:"HEAP_LIMIT" default:"0" validate:"omitempty,bytesize" description:"Soft limit of memory allocated by the engine, eg '512MiB'. Zero is unlimited"`
	Driver         string   `long:"driver" env:"DRIVER" default:"sqlite3_hostvfs" validate:"required,ne=sqlite3" description:"Name of the database/sql driver registered for the engine"`
	ConnectPragmas []string `long:"pragma" env:"PRAGMAS" env-delim:"," validate:"dive,required" description:"PRAGMA applied to each new connection, eg 'busy_timeout=5000'. May be repeated"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	var v = validator.New()
	if err := v.RegisterValidation("bytesize", func(fl validator.FieldLevel) bool {
		var _, err = humanize.ParseBytes(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// WithDefaults returns a copy of the Config with zero-valued fields replaced
// by their defaults.
func (c Config) WithDefaults() Config {
	c.VFS = c.VFS.WithDefaults()
	if c.Driver == "" {
		c.Driver = DefaultDriverName
	}
	return c
}

// Validate returns an error if the Config is not well-formed.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WithMessage(err, "invalid config")
	}
	return nil
}

// HeapLimitBytes parses the HeapLimit of the Config.
func (c Config) HeapLimitBytes() (int64, error) {
	if c.HeapLimit == "" {
		return 0, nil
	}
	var n, err = humanize.ParseBytes(c.HeapLimit)
	if err != nil {
		return 0, errors.WithMessagef(err, "parsing heap limit %q", c.HeapLimit)
	}
	return int64(n), nil
}
