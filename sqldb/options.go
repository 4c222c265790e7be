package sqldb

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
)

// OpenMode of a Database.
type OpenMode string

const (
	// ReadOnly opens an existing database which may not be modified.
	ReadOnly OpenMode = "ro"
	// ReadWrite opens an existing database for reading and writing.
	ReadWrite OpenMode = "rw"
	// ReadWriteCreate opens a database for reading and writing, creating it
	// (and its parent directory) if it doesn't exist.
	ReadWriteCreate OpenMode = "rwc"
)

// Options of an opened Database. The zero value opens with ReadWriteCreate
// and engine defaults.
type Options struct {
	Mode        OpenMode      `schema:"mode" validate:"omitempty,oneof=ro rw rwc"`
	JournalMode string        `schema:"journal_mode" validate:"omitempty,oneof=DELETE TRUNCATE PERSIST MEMORY WAL OFF delete truncate persist memory wal off"`
	BusyTimeout time.Duration `schema:"busy_timeout" validate:"min=0"`
	ForeignKeys bool          `schema:"foreign_keys"`
	// VFS through which the database is opened. If empty, the VFS of the
	// Runtime is used.
	VFS string `schema:"vfs" validate:"omitempty,printascii"`
}

func (o Options) mode() OpenMode {
	if o.Mode == "" {
		return ReadWriteCreate
	}
	return o.Mode
}

// Validate returns an error if the Options are malformed.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return errors.WithMessage(err, "invalid options")
	}
	return nil
}

// ParseURI parses a database |uri| into its path and Options. A "file:" URI
// carries Options in its query, eg
//
//	file:/var/lib/saves/slot1.db?mode=rw&journal_mode=WAL&busy_timeout=5s
//
// Any other |uri| is taken to be a plain path with default Options.
func ParseURI(uri string) (string, Options, error) {
	var opts Options

	if !strings.HasPrefix(uri, "file:") {
		return uri, opts, nil
	}
	var path, query, _ = strings.Cut(strings.TrimPrefix(uri, "file:"), "?")

	var values, err = url.ParseQuery(query)
	if err != nil {
		return "", opts, errors.WithMessagef(err, "parsing query of %q", uri)
	}
	if err = decoder.Decode(&opts, values); err != nil {
		return "", opts, errors.WithMessagef(err, "decoding options of %q", uri)
	}
	if path, err = url.PathUnescape(path); err != nil {
		return "", opts, errors.WithMessagef(err, "unescaping path of %q", uri)
	}
	// "file://host/path" and "file:///path" authorities are accepted only
	// when empty or "localhost".
	if strings.HasPrefix(path, "//") {
		var authority, rest, _ = strings.Cut(path[2:], "/")
		if authority != "" && authority != "localhost" {
			return "", opts, errors.Errorf("invalid authority %q of %q", authority, uri)
		}
		path = "/" + rest
	}
	if path == "" {
		return "", opts, errors.Errorf("%q has no path", uri)
	}
	return path, opts, opts.Validate()
}

// dsn returns the driver data source name which opens |path| with the Options.
// JournalMode is applied after open.
func (o Options) dsn(path string) string {
	var q = []string{"mode=" + string(o.mode())}

	if o.VFS != "" {
		q = append(q, "vfs="+strings.ReplaceAll(url.QueryEscape(o.VFS), "+", "%20"))
	}
	if o.BusyTimeout != 0 {
		q = append(q, fmt.Sprintf("_busy_timeout=%d", o.BusyTimeout.Milliseconds()))
	}
	if o.ForeignKeys {
		q = append(q, "_foreign_keys=1")
	}
	return "file:" + uriEscaper.Replace(path) + "?" + strings.Join(q, "&")
}

var uriEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

var validate = validator.New()

var decoder = newDecoder()

func newDecoder() *schema.Decoder {
	var d = schema.NewDecoder()
	d.IgnoreUnknownKeys(false)
	d.RegisterConverter(time.Duration(0), func(s string) reflect.Value {
		var dur, err = time.ParseDuration(s)
		if err != nil {
			return reflect.Value{}
		}
		return reflect.ValueOf(dur)
	})
	return d
}
