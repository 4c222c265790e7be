package sqldb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// StepResult is the outcome of Statement.Step.
type StepResult int

const (
	// StepError is a failed step. Enumeration should be aborted.
	StepError StepResult = iota
	// StepBusy is a step which couldn't acquire required locks. Outside of
	// a transaction the step may be retried. Otherwise the enumeration
	// should be aborted and the transaction rolled back.
	StepBusy
	// StepRow is a step which landed on a result row.
	StepRow
	// StepDone is a step which completed the statement.
	StepDone
)

func (r StepResult) String() string {
	switch r {
	case StepBusy:
		return "busy"
	case StepRow:
		return "row"
	case StepDone:
		return "done"
	}
	return "error"
}

// RowResult is returned by callbacks of ExecuteRows for each row.
type RowResult int

const (
	// Continue to the next row.
	Continue RowResult = iota
	// Stop enumerating rows, without error.
	Stop
	// Error stops enumerating rows, and fails the execution.
	Error
)

// Statement is a prepared statement of a Database.
type Statement struct {
	db     *Database
	p      *prepared // Nil after Close.
	params []interface{}

	rows *sql.Rows     // Non-nil while active.
	row  []interface{} // Values of the current row.
}

// Close the Statement, resetting it if active.
func (s *Statement) Close() error {
	if s.p == nil {
		return ErrClosed
	}
	s.Reset()

	var err = s.db.release(s)
	s.p = nil
	return err
}

// SQL returns the query text of the Statement.
func (s *Statement) SQL() string {
	if s.p == nil {
		return ""
	}
	return s.p.query
}

// Active is true if the Statement has stepped, but hasn't yet completed or
// been reset.
func (s *Statement) Active() bool { return s.rows != nil }

// Reset the Statement so that its next Step re-executes it from the
// beginning. Bindings are retained.
func (s *Statement) Reset() {
	if s.rows != nil {
		s.rows.Close()
	}
	s.rows, s.row = nil, nil
}

// ClearBindings resets all bound parameters to NULL.
func (s *Statement) ClearBindings() {
	clear(s.params)
}

// Bind |v| to the parameter at 1-based |index|. Supported types are
// integers and floats of every width, bool, string, []byte, time.Time
// (bound as Unix seconds), uuid.UUID (bound as a 16-byte blob), and nil.
func (s *Statement) Bind(index int, v interface{}) error {
	if err := s.mustBeIdle(); err != nil {
		return err
	} else if index < 1 || index > len(s.params) {
		return errors.Errorf("binding index %d out of range [1, %d]", index, len(s.params))
	}
	var bv, err = bindValue(v)
	if err != nil {
		return err
	}
	s.params[index-1] = bv
	return nil
}

// BindNamed binds |v| to the parameter |name|. The name may include its
// prefix (":name", "@name" or "$name"). If it doesn't, each prefix is tried.
func (s *Statement) BindNamed(name string, v interface{}) error {
	if s.p == nil {
		return ErrClosed
	}
	var index = s.ParameterIndex(name)
	if index == 0 {
		return errors.Errorf("statement has no parameter %q", name)
	}
	return s.Bind(index, v)
}

// ParameterIndex returns the 1-based index of parameter |name|, or zero if
// there isn't one.
func (s *Statement) ParameterIndex(name string) int {
	if s.p == nil || name == "" {
		return 0
	}
	if strings.ContainsRune(":@$?", rune(name[0])) {
		return s.p.names[name]
	}
	for _, prefix := range []string{":", "@", "$"} {
		if index, ok := s.p.names[prefix+name]; ok {
			return index
		}
	}
	return 0
}

// Step the Statement to its next result row.
func (s *Statement) Step() (StepResult, error) {
	if s.p == nil || s.db.closed {
		return StepError, ErrClosed
	}

	if s.rows == nil {
		var rows, err = s.p.stmt.QueryContext(context.Background(), s.params...)
		if err != nil {
			return s.failed(err)
		}
		s.rows = rows
	}

	if !s.rows.Next() {
		var err = s.rows.Err()
		s.Reset()

		if err != nil {
			return s.failed(err)
		}
		return StepDone, nil
	}

	var columns, err = s.rows.Columns()
	if err != nil {
		s.Reset()
		return s.failed(err)
	}
	var row = make([]interface{}, len(columns))
	var dest = make([]interface{}, len(row))
	for i := range row {
		dest[i] = &row[i]
	}
	if err = s.rows.Scan(dest...); err != nil {
		s.Reset()
		return s.failed(err)
	}
	s.row = row

	return StepRow, nil
}

func (s *Statement) failed(err error) (StepResult, error) {
	s.db.fail(err)

	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return StepBusy, err
	}
	return StepError, err
}

// Execute the Statement to completion, discarding result rows.
func (s *Statement) Execute() error {
	var _, err = s.ExecuteRows(func(*Statement) RowResult { return Continue })
	return err
}

// ExecuteRows executes the Statement, invoking |fn| for each result row
// until |fn| returns Stop or Error. It returns the number of rows
// enumerated, or -1 and an error. The Statement is reset on return.
func (s *Statement) ExecuteRows(fn func(*Statement) RowResult) (int64, error) {
	if err := s.mustBeIdle(); err != nil {
		return -1, err
	}
	defer s.Reset()

	var count int64
	for {
		var result, err = s.Step()

		switch result {
		case StepDone:
			return count, nil
		case StepRow:
			count++
		default:
			return -1, err
		}

		switch fn(s) {
		case Continue:
		case Stop:
			return count, nil
		default:
			return -1, errors.Errorf("row %d of statement was rejected", count)
		}
	}
}

// ColumnNames returns the result column names of the Statement, which must
// not be modified.
func (s *Statement) ColumnNames() []string {
	if s.p == nil {
		return nil
	}
	return s.p.columns
}

// ColumnIndex returns the index of result column |name|, compared without
// regard to case, or -1 if there isn't one.
func (s *Statement) ColumnIndex(name string) int {
	for i, col := range s.ColumnNames() {
		if strings.EqualFold(col, name) {
			return i
		}
	}
	return -1
}

// ColumnType returns the ColumnType of column |index| of the current row.
func (s *Statement) ColumnType(index int) (ColumnType, error) {
	var v, err = s.value(index)
	if err != nil {
		return Null, err
	}
	return columnType(v), nil
}

// Column reads column |index| of the current row into |dest|, which is a
// pointer to any of the types supported by Bind, or to interface{}.
func (s *Statement) Column(index int, dest interface{}) error {
	var v, err = s.value(index)
	if err != nil {
		return err
	}
	return errors.WithMessagef(assign(v, dest), "reading column %d", index)
}

// ColumnByName reads column |name| of the current row into |dest|.
func (s *Statement) ColumnByName(name string, dest interface{}) error {
	var index = s.ColumnIndex(name)
	if index == -1 {
		return errors.Errorf("statement has no column %q", name)
	}
	return s.Column(index, dest)
}

func (s *Statement) value(index int) (interface{}, error) {
	if s.p == nil {
		return nil, ErrClosed
	} else if s.row == nil {
		return nil, errors.New("statement has no current row")
	} else if index < 0 || index >= len(s.row) {
		return nil, errors.Errorf("column index %d out of range [0, %d)", index, len(s.row))
	}
	return s.row[index], nil
}

func (s *Statement) mustBeIdle() error {
	if s.p == nil {
		return ErrClosed
	} else if s.rows != nil {
		return errors.New("statement is active")
	}
	return nil
}
