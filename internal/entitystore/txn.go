package entitystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const savepointName = "entitystore_batch"

// Txn is a transaction over the entity graph. Write operations on a Txn or
// its entities do not return errors; the first failure is recorded, every
// later operation becomes a no-op and the transaction rolls back. Read
// operations return the recorded error.
type Txn struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
	err      error
}

// Err returns the first error recorded by a write operation.
func (t *Txn) Err() error { return t.err }

func (t *Txn) fail(err error) {
	if t.err == nil && err != nil {
		t.err = err
	}
}

func (t *Txn) writable() bool {
	if t.err != nil {
		return false
	}
	if t.readOnly {
		t.err = ErrReadOnly
		return false
	}
	return true
}

func (t *Txn) exec(query string, args ...any) {
	if !t.writable() {
		return
	}
	if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
		t.fail(fmt.Errorf("entitystore: %w", err))
	}
}

// NewEntity creates an entity of the given type.
func (t *Txn) NewEntity(typ string) *Entity {
	e := &Entity{txn: t, typ: typ}
	if !t.writable() {
		return e
	}
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO entities (type) VALUES (?)`, typ)
	if err != nil {
		t.fail(fmt.Errorf("entitystore: create %s: %w", typ, err))
		return e
	}
	e.id, err = res.LastInsertId()
	t.fail(err)
	return e
}

// GetAll returns every entity of a type in creation order.
func (t *Txn) GetAll(typ string) ([]*Entity, error) {
	return t.queryEntities(`SELECT id, type FROM entities WHERE type = ? ORDER BY id`, typ)
}

// Find returns the entities of a type whose property equals value. String
// comparison is exact and case-sensitive.
func (t *Txn) Find(typ, property string, value any) ([]*Entity, error) {
	_, v, err := encodeValue(value)
	if err != nil {
		return nil, err
	}
	return t.queryEntities(
		`SELECT e.id, e.type FROM entities e
		 JOIN properties p ON p.entity_id = e.id
		 WHERE e.type = ? AND p.name = ? AND p.value = ?
		 ORDER BY e.id`,
		typ, property, v,
	)
}

// Flush marks a batch boundary inside the transaction. It does not commit:
// a failure after Flush still rolls back everything.
func (t *Txn) Flush() {
	if t.readOnly {
		return
	}
	t.exec("RELEASE " + savepointName)
	t.exec("SAVEPOINT " + savepointName)
}

func (t *Txn) queryEntities(query string, args ...any) ([]*Entity, error) {
	if t.err != nil {
		return nil, t.err
	}
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entitystore: %w", err)
	}
	defer rows.Close()
	var out []*Entity
	for rows.Next() {
		e := &Entity{txn: t}
		if err := rows.Scan(&e.id, &e.typ); err != nil {
			return nil, fmt.Errorf("entitystore: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entitystore: %w", err)
	}
	return out, nil
}

const (
	kindString = 1
	kindInt    = 2
	kindBool   = 3
	kindTime   = 4
)

var errUnsupportedValue = errors.New("entitystore: unsupported property type")

func encodeValue(v any) (int, any, error) {
	switch v := v.(type) {
	case string:
		return kindString, v, nil
	case int:
		return kindInt, int64(v), nil
	case int64:
		return kindInt, v, nil
	case bool:
		if v {
			return kindBool, int64(1), nil
		}
		return kindBool, int64(0), nil
	case time.Time:
		return kindTime, v.UTC().Format(time.RFC3339Nano), nil
	default:
		return 0, nil, fmt.Errorf("%w: %T", errUnsupportedValue, v)
	}
}

func decodeValue(kind int, raw any) (any, error) {
	switch kind {
	case kindString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case kindTime:
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case []byte:
			s = string(v)
		default:
			return nil, fmt.Errorf("entitystore: cannot decode %T as time", raw)
		}
		return time.Parse(time.RFC3339Nano, s)
	case kindInt, kindBool:
		n, ok := raw.(int64)
		if !ok {
			break
		}
		if kind == kindBool {
			return n != 0, nil
		}
		return int(n), nil
	}
	return nil, fmt.Errorf("entitystore: cannot decode %T as kind %d", raw, kind)
}
