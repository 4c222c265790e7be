package sqldb

import (
	"bytes"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ColumnType is the storage class of a column value of the current row.
type ColumnType int

const (
	Integer ColumnType = iota
	Float
	Text
	Blob
	Null
)

func (t ColumnType) String() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Float:
		return "FLOAT"
	case Text:
		return "TEXT"
	case Blob:
		return "BLOB"
	case Null:
		return "NULL"
	}
	return "ColumnType(" + strconv.Itoa(int(t)) + ")"
}

// bindValue maps |v| to the driver value bound in its place. Unsigned
// integers are bound as the int64 of the same bits, times as Unix seconds,
// and UUIDs as 16-byte blobs.
func bindValue(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		return v, nil
	case []byte:
		if v == nil {
			return nil, nil
		}
		return bytes.Clone(v), nil
	case time.Time:
		return v.Unix(), nil
	case uuid.UUID:
		return bytes.Clone(v[:]), nil
	}
	return nil, errors.Errorf("unsupported binding type %T", v)
}

// columnType returns the ColumnType of driver value |v|.
func columnType(v interface{}) ColumnType {
	switch v.(type) {
	case int64, bool:
		return Integer
	case float64:
		return Float
	case string, time.Time:
		return Text
	case []byte:
		return Blob
	}
	return Null
}

// assign driver value |src| to |dest|, converting between storage classes
// as the engine's column accessors do.
func assign(src, dest interface{}) error {
	switch d := dest.(type) {
	case *interface{}:
		*d = src
	case *int:
		var n, err = toInt(src, math.MinInt, math.MaxInt)
		*d = int(n)
		return err
	case *int8:
		var n, err = toInt(src, math.MinInt8, math.MaxInt8)
		*d = int8(n)
		return err
	case *int16:
		var n, err = toInt(src, math.MinInt16, math.MaxInt16)
		*d = int16(n)
		return err
	case *int32:
		var n, err = toInt(src, math.MinInt32, math.MaxInt32)
		*d = int32(n)
		return err
	case *int64:
		var n, err = toInt(src, math.MinInt64, math.MaxInt64)
		*d = n
		return err
	case *uint:
		var n, err = toUint(src, math.MaxUint)
		*d = uint(n)
		return err
	case *uint8:
		var n, err = toUint(src, math.MaxUint8)
		*d = uint8(n)
		return err
	case *uint16:
		var n, err = toUint(src, math.MaxUint16)
		*d = uint16(n)
		return err
	case *uint32:
		var n, err = toUint(src, math.MaxUint32)
		*d = uint32(n)
		return err
	case *uint64:
		var n, err = toUint(src, math.MaxUint64)
		*d = n
		return err
	case *float32:
		var f, err = toFloat(src)
		*d = float32(f)
		return err
	case *float64:
		var f, err = toFloat(src)
		*d = f
		return err
	case *bool:
		var n, err = toInt(src, math.MinInt64, math.MaxInt64)
		*d = n != 0
		return err
	case *string:
		*d = toText(src)
	case *[]byte:
		switch s := src.(type) {
		case nil:
			*d = nil
		case []byte:
			*d = bytes.Clone(s)
		default:
			*d = []byte(toText(src))
		}
	case *time.Time:
		if t, ok := src.(time.Time); ok {
			*d = t
			return nil
		}
		var n, err = toInt(src, math.MinInt64, math.MaxInt64)
		*d = time.Unix(n, 0).UTC()
		return err
	case *uuid.UUID:
		switch s := src.(type) {
		case nil:
			*d = uuid.Nil
		case []byte:
			var id, err = uuid.FromBytes(s)
			*d = id
			return err
		case string:
			var id, err = uuid.Parse(s)
			*d = id
			return err
		default:
			return errors.Errorf("cannot read %T as a UUID", src)
		}
	default:
		return errors.Errorf("unsupported column destination %T", dest)
	}
	return nil
}

func toInt(src interface{}, lo, hi int64) (int64, error) {
	var n int64

	switch s := src.(type) {
	case nil:
	case int64:
		n = s
	case bool:
		if s {
			n = 1
		}
	case float64:
		if s < math.MinInt64 || s >= math.MaxInt64 || math.IsNaN(s) {
			return 0, errors.Errorf("value %g overflows int64", s)
		}
		n = int64(s)
	case time.Time:
		n = s.Unix()
	case string, []byte:
		var err error
		if n, err = strconv.ParseInt(toText(s), 10, 64); err != nil {
			return 0, errors.WithMessage(err, "reading text as an integer")
		}
	default:
		return 0, errors.Errorf("cannot read %T as an integer", src)
	}

	if n < lo || n > hi {
		return 0, errors.Errorf("value %d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

func toUint(src interface{}, hi uint64) (uint64, error) {
	var n, err = toInt(src, math.MinInt64, math.MaxInt64)
	if err != nil {
		return 0, err
	}
	// Negative values round-trip the bits of a bound uint64.
	if hi == math.MaxUint64 {
		return uint64(n), nil
	} else if n < 0 || uint64(n) > hi {
		return 0, errors.Errorf("value %d out of range [0, %d]", n, hi)
	}
	return uint64(n), nil
}

func toFloat(src interface{}) (float64, error) {
	switch s := src.(type) {
	case nil:
		return 0, nil
	case float64:
		return s, nil
	case int64:
		return float64(s), nil
	case bool:
		if s {
			return 1, nil
		}
		return 0, nil
	case string, []byte:
		var f, err = strconv.ParseFloat(toText(s), 64)
		return f, errors.WithMessage(err, "reading text as a float")
	}
	return 0, errors.Errorf("cannot read %T as a float", src)
}

func toText(src interface{}) string {
	switch s := src.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case bool:
		if s {
			return "1"
		}
		return "0"
	case time.Time:
		return s.Format(time.RFC3339Nano)
	}
	return ""
}
