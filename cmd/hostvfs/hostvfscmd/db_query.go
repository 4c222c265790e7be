package hostvfscmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"go.gazette.dev/hostvfs/sqldb"
)

type cmdDBQuery struct {
	Format string   `long:"format" short:"o" choice:"table" choice:"json" default:"table" description:"Output format"`
	Params []string `long:"param" short:"p" description:"Parameter binding of the form 'name=value'. Integer and float values are bound as numbers, and others as text. May be repeated"`
	Limit  int64    `long:"limit" default:"0" description:"Maximum number of rows to output. Zero is unlimited"`
	Args   struct {
		Database string `positional-arg-name:"database" required:"1"`
		SQL      string `positional-arg-name:"sql" required:"1"`
	} `positional-args:"yes"`
}

func init() {
	CommandRegistry.AddCommand("db", "query", "Run a SQL statement against a database", `
Prepare and run a SQL statement against a database, printing its result rows.

The database is a path or a 'file:' URI, whose query parameters may set the
open mode ('ro', 'rw', or 'rwc'), journal_mode, busy_timeout, and foreign_keys.
The database is created if it doesn't exist, unless another mode is given.

Results can be output in a variety of --format options:
json:  Prints a JSON object per row, keyed on column name.
table: Prints as a table. Blobs are summarized by their size.

Examples:

# List the tables of a database:
hostvfs db query 'file:slot1.db?mode=ro' "SELECT name FROM sqlite_schema WHERE type = 'table'"

# Run a query with bound parameters:
hostvfs db query slot1.db 'SELECT * FROM inventory WHERE slot > :slot' -p slot=3
`, &cmdDBQuery{})
}

func (cmd *cmdDBQuery) Execute([]string) error {
	var rt, onPanic = startup()
	defer onPanic()
	defer shutdown(rt)

	var path, opts, err = sqldb.ParseURI(cmd.Args.Database)
	if err != nil {
		return err
	}
	db, err := sqldb.Open(rt, path, opts)
	if err != nil {
		return err
	}
	defer db.Close()

	stmt, err := db.Prepare(cmd.Args.SQL, 0)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range cmd.Params {
		if err = bindParam(stmt, p); err != nil {
			return err
		}
	}

	var out rowWriter
	switch cmd.Format {
	case "table":
		out = newTableRowWriter(os.Stdout, stmt.ColumnNames())
	case "json":
		out = &jsonRowWriter{enc: json.NewEncoder(os.Stdout), columns: stmt.ColumnNames()}
	}

	var writeErr error
	n, err := stmt.ExecuteRows(func(s *sqldb.Statement) sqldb.RowResult {
		var row = make([]interface{}, len(s.ColumnNames()))
		for i := range row {
			if s.Column(i, &row[i]) != nil {
				return sqldb.Error
			}
		}
		if writeErr = out.write(row); writeErr != nil {
			return sqldb.Error
		}

		if cmd.Limit != 0 && out.count() == cmd.Limit {
			return sqldb.Stop
		}
		return sqldb.Continue
	})
	if writeErr != nil {
		return errors.WithMessage(writeErr, "writing row")
	} else if err != nil {
		return errors.WithMessage(err, "running statement")
	} else if err = out.flush(); err != nil {
		return errors.WithMessage(err, "rendering rows")
	}

	if cmd.Format == "table" {
		fmt.Fprintf(os.Stderr, "%s rows\n", humanize.Comma(n))
	}
	return nil
}

// bindParam binds a parameter |p| of the form "name=value".
func bindParam(stmt *sqldb.Statement, p string) error {
	var name, value, ok = strings.Cut(p, "=")
	if !ok || name == "" {
		return errors.Errorf("parameter %q isn't of the form 'name=value'", p)
	}

	var v interface{} = value
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		v = n
	} else if f, err := strconv.ParseFloat(value, 64); err == nil {
		v = f
	}

	if index, err := strconv.Atoi(name); err == nil {
		return stmt.Bind(index, v)
	}
	return stmt.BindNamed(name, v)
}

type rowWriter interface {
	write(row []interface{}) error
	count() int64
	flush() error
}

type tableRowWriter struct {
	table *tablewriter.Table
	n     int64
}

func newTableRowWriter(w io.Writer, columns []string) *tableRowWriter {
	var table = tablewriter.NewWriter(w)
	table.Header(columns)
	return &tableRowWriter{table: table}
}

func (w *tableRowWriter) write(row []interface{}) error {
	var cells = make([]string, len(row))
	for i, v := range row {
		cells[i] = formatCell(v)
	}
	if err := w.table.Append(cells); err != nil {
		return err
	}
	w.n++
	return nil
}

func (w *tableRowWriter) count() int64 { return w.n }
func (w *tableRowWriter) flush() error { return w.table.Render() }

type jsonRowWriter struct {
	enc     *json.Encoder
	columns []string
	n       int64
}

func (w *jsonRowWriter) write(row []interface{}) error {
	var obj = make(map[string]interface{}, len(row))
	for i, v := range row {
		obj[w.columns[i]] = v // Blobs encode as base64.
	}
	if err := w.enc.Encode(obj); err != nil {
		return err
	}
	w.n++
	return nil
}

func (w *jsonRowWriter) count() int64 { return w.n }
func (w *jsonRowWriter) flush() error { return nil }

func formatCell(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("<blob %s>", humanize.IBytes(uint64(len(v))))
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
