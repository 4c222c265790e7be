package sqldb

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultGroup is the Group loaded with every query of the queries table,
// regardless of schema.
const DefaultGroup = "DEFAULT_QUERIES"

// Group is a named collection of Statements of a Database, keyed by name.
//
// A Group may be loaded from the "queries" table of the database, having
// columns "key", "schema_name" and "sql". Statements which reference an
// attached schema must be disconnected before it's detached, and may be
// reconnected once it's attached again.
type Group struct {
	db     *Database
	name   string
	loaded bool                  // Statements were loaded from the queries table.
	sql    map[string]string     // Query text by Statement name.
	stmts  map[string]*Statement // Nil while disconnected.
}

// Group returns the Group of |name|, creating it if required.
func (d *Database) Group(name string) *Group {
	if g, ok := d.groups[name]; ok {
		return g
	}
	var g = &Group{
		db:    d,
		name:  name,
		sql:   make(map[string]string),
		stmts: make(map[string]*Statement),
	}
	d.groups[name] = g
	return g
}

// LoadGroup replaces the Group of |name| with one loaded from the queries
// table. DefaultGroup loads every query, and any other Group loads queries
// having |name| as their schema. It returns the number of Statements loaded.
// If there are none, the Group is removed.
func (d *Database) LoadGroup(name string) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	if g, ok := d.groups[name]; ok {
		delete(d.groups, name)
		if err := g.Disconnect(); err != nil {
			return 0, err
		}
	}
	var g = d.Group(name)
	g.loaded = true

	if err := g.fill(); err != nil {
		g.Disconnect()
		delete(d.groups, name)
		return 0, err
	} else if g.Len() == 0 {
		delete(d.groups, name)
	}
	return g.Len(), nil
}

// FindStatement returns the Statement of |name| from the first Group, in
// name order, which has it. It returns nil if there is none.
func (d *Database) FindStatement(name string) *Statement {
	var names = make([]string, 0, len(d.groups))
	for n := range d.groups {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		if s := d.groups[n].Statement(name); s != nil {
			return s
		}
	}
	return nil
}

// Name of the Group.
func (g *Group) Name() string { return g.name }

// Len is the number of Statements of the Group.
func (g *Group) Len() int { return len(g.sql) }

// Add prepares |query| as the Statement |name| of the Group, replacing any
// existing Statement of that name.
func (g *Group) Add(name, query string) (*Statement, error) {
	if g.stmts == nil {
		return nil, errors.Errorf("group %s is disconnected", g.name)
	}
	var s, err = g.db.Prepare(query, 0)
	if err != nil {
		return nil, errors.WithMessagef(err, "adding %s to group %s", name, g.name)
	}
	if prior, ok := g.stmts[name]; ok {
		prior.Close()
	}
	g.sql[name] = query
	g.stmts[name] = s
	return s, nil
}

// Statement returns the Statement of |name|, or nil if the Group doesn't
// have it or is disconnected.
func (g *Group) Statement(name string) *Statement { return g.stmts[name] }

// Disconnect closes the Statements of the Group, retaining their queries.
func (g *Group) Disconnect() error {
	var err error
	for _, s := range g.stmts {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	g.stmts = nil
	return err
}

// Reconnect prepares the Statements of the Group again. A loaded Group is
// re-read from the queries table.
func (g *Group) Reconnect() error {
	if err := g.Disconnect(); err != nil {
		return err
	}
	g.stmts = make(map[string]*Statement)

	if g.loaded {
		g.sql = make(map[string]string)
		return g.fill()
	}
	var sql = g.sql
	g.sql = make(map[string]string, len(sql))

	for name, query := range sql {
		if _, err := g.Add(name, query); err != nil {
			return err
		}
	}
	return nil
}

// fill the Group from the queries table, if there is one.
func (g *Group) fill() error {
	var ctx = context.Background()
	var conn = g.db.conn

	var tables int
	if err := conn.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'queries'").Scan(&tables); err != nil {
		return g.db.fail(err)
	} else if tables == 0 {
		return nil
	}

	var query, args = "SELECT key, sql FROM queries ORDER BY key", []interface{}{}
	if g.name != DefaultGroup {
		query, args = "SELECT key, sql FROM queries WHERE schema_name = ? ORDER BY key", []interface{}{g.name}
	}
	var rows, err = conn.QueryContext(ctx, query, args...)
	if err != nil {
		return g.db.fail(err)
	}
	var pairs [][2]string
	for rows.Next() {
		var pair [2]string
		if err = rows.Scan(&pair[0], &pair[1]); err != nil {
			rows.Close()
			return g.db.fail(err)
		}
		pairs = append(pairs, pair)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return g.db.fail(err)
	} else if err = rows.Close(); err != nil {
		return g.db.fail(err)
	}

	for _, pair := range pairs {
		if _, err = g.Add(pair[0], pair[1]); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"group": g.name,
		"count": len(pairs),
	}).Debug("loaded statement group")

	return nil
}
