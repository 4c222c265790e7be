package sqldb

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Attach the database at |path| under |schema|. It's an error if |schema| is
// already attached. Statements of Groups which will reference |schema| should
// be reconnected once it's attached.
func (d *Database) Attach(path, schema string) error {
	if attached, err := d.IsAttached(schema); err != nil {
		return err
	} else if attached {
		return errors.Errorf("schema %q is already attached", schema)
	}
	if _, err := d.conn.ExecContext(context.Background(), "ATTACH DATABASE ? AS ?", path, schema); err != nil {
		return errors.WithMessagef(d.fail(err), "attaching %s as %q", path, schema)
	}
	log.WithFields(log.Fields{"path": path, "schema": schema}).Debug("attached database")
	return nil
}

// Detach the database attached under |schema|. It's not an error if |schema|
// isn't attached. Statements of Groups which reference |schema| must be
// disconnected first.
func (d *Database) Detach(schema string) error {
	if attached, err := d.IsAttached(schema); err != nil || !attached {
		return err
	}
	if _, err := d.conn.ExecContext(context.Background(), "DETACH DATABASE ?", schema); err != nil {
		return errors.WithMessagef(d.fail(err), "detaching %q", schema)
	}
	return nil
}

// IsAttached is true if a database is attached under |schema|.
func (d *Database) IsAttached(schema string) (bool, error) {
	if d.closed {
		return false, ErrClosed
	}
	var n int
	if err := d.conn.QueryRowContext(context.Background(),
		"SELECT count(*) FROM pragma_database_list WHERE name = ?", schema).Scan(&n); err != nil {
		return false, d.fail(err)
	}
	return n != 0, nil
}

// AttachedSchemas returns the sorted schemas of attached databases, other
// than "main" and "temp".
func (d *Database) AttachedSchemas() ([]string, error) {
	if d.closed {
		return nil, ErrClosed
	}
	var rows, err = d.conn.QueryContext(context.Background(),
		"SELECT name FROM pragma_database_list WHERE name NOT IN ('main', 'temp') ORDER BY name")
	if err != nil {
		return nil, d.fail(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, d.fail(err)
		}
		out = append(out, name)
	}
	if err = rows.Err(); err != nil {
		return nil, d.fail(err)
	}
	return out, nil
}
