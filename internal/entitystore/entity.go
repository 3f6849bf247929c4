package entitystore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entity is a handle on a stored entity, valid only inside the transaction
// that produced it.
type Entity struct {
	txn *Txn
	id  int64
	typ string
}

func (e *Entity) ID() int64    { return e.id }
func (e *Entity) Type() string { return e.typ }

// Equal reports whether both handles point at the same stored entity.
func (e *Entity) Equal(other *Entity) bool {
	return e != nil && other != nil && e.id == other.id
}

// Properties holds the scalar properties of one entity.
type Properties map[string]any

func (p Properties) String(name string) (string, bool) {
	v, ok := p[name].(string)
	return v, ok
}

func (p Properties) Int(name string) (int, bool) {
	v, ok := p[name].(int)
	return v, ok
}

// Bool returns false for a missing property.
func (p Properties) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

func (p Properties) Time(name string) (time.Time, bool) {
	v, ok := p[name].(time.Time)
	return v, ok
}

// Properties loads every property of the entity.
func (e *Entity) Properties() (Properties, error) {
	t := e.txn
	if t.err != nil {
		return nil, t.err
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT name, kind, value FROM properties WHERE entity_id = ?`, e.id)
	if err != nil {
		return nil, fmt.Errorf("entitystore: %w", err)
	}
	defer rows.Close()
	props := make(Properties)
	for rows.Next() {
		var (
			name string
			kind int
			raw  any
		)
		if err := rows.Scan(&name, &kind, &raw); err != nil {
			return nil, fmt.Errorf("entitystore: %w", err)
		}
		v, err := decodeValue(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		props[name] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entitystore: %w", err)
	}
	return props, nil
}

// Property returns a single property, or nil when it is not set.
func (e *Entity) Property(name string) (any, error) {
	t := e.txn
	if t.err != nil {
		return nil, t.err
	}
	var (
		kind int
		raw  any
	)
	err := t.tx.QueryRowContext(t.ctx, `SELECT kind, value FROM properties WHERE entity_id = ? AND name = ?`, e.id, name).Scan(&kind, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entitystore: %w", err)
	}
	return decodeValue(kind, raw)
}

// SetProperty stores a string, int, int64, bool or time.Time value.
func (e *Entity) SetProperty(name string, value any) {
	kind, v, err := encodeValue(value)
	if err != nil {
		e.txn.fail(err)
		return
	}
	e.txn.exec(
		`INSERT INTO properties (entity_id, name, kind, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_id, name) DO UPDATE SET kind = excluded.kind, value = excluded.value`,
		e.id, name, kind, v,
	)
}

func (e *Entity) DeleteProperty(name string) {
	e.txn.exec(`DELETE FROM properties WHERE entity_id = ? AND name = ?`, e.id, name)
}

// Blob returns the named blob and whether it is set.
func (e *Entity) Blob(name string) ([]byte, bool, error) {
	t := e.txn
	if t.err != nil {
		return nil, false, t.err
	}
	var b []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM blobs WHERE entity_id = ? AND name = ?`, e.id, name).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("entitystore: %w", err)
	}
	return b, true, nil
}

func (e *Entity) BlobString(name string) (string, bool, error) {
	b, ok, err := e.Blob(name)
	return string(b), ok, err
}

func (e *Entity) SetBlob(name string, value []byte) {
	if value == nil {
		value = []byte{}
	}
	e.txn.exec(
		`INSERT INTO blobs (entity_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT(entity_id, name) DO UPDATE SET value = excluded.value`,
		e.id, name, value,
	)
}

func (e *Entity) SetBlobString(name, value string) {
	e.SetBlob(name, []byte(value))
}

func (e *Entity) DeleteBlob(name string) {
	e.txn.exec(`DELETE FROM blobs WHERE entity_id = ? AND name = ?`, e.id, name)
}

// Links returns the targets of the named link in insertion order.
func (e *Entity) Links(name string) ([]*Entity, error) {
	return e.txn.queryEntities(
		`SELECT t.id, t.type FROM links l
		 JOIN entities t ON t.id = l.target_id
		 WHERE l.source_id = ? AND l.name = ?
		 ORDER BY l.rowid`,
		e.id, name,
	)
}

// Link returns the first target of the named link, or nil.
func (e *Entity) Link(name string) (*Entity, error) {
	targets, err := e.Links(name)
	if err != nil || len(targets) == 0 {
		return nil, err
	}
	return targets[0], nil
}

// AddLink adds target to the named link set. Adding an existing target is a no-op.
func (e *Entity) AddLink(name string, target *Entity) {
	e.txn.exec(`INSERT OR IGNORE INTO links (source_id, name, target_id) VALUES (?, ?, ?)`, e.id, name, target.id)
}

// SetLink makes target the only target of the named link.
func (e *Entity) SetLink(name string, target *Entity) {
	e.DeleteLinks(name)
	e.AddLink(name, target)
}

func (e *Entity) DeleteLink(name string, target *Entity) {
	e.txn.exec(`DELETE FROM links WHERE source_id = ? AND name = ? AND target_id = ?`, e.id, name, target.id)
}

func (e *Entity) DeleteLinks(name string) {
	e.txn.exec(`DELETE FROM links WHERE source_id = ? AND name = ?`, e.id, name)
}

// Delete removes the entity with its properties, blobs and every link
// from or to it.
func (e *Entity) Delete() {
	e.txn.exec(`DELETE FROM properties WHERE entity_id = ?`, e.id)
	e.txn.exec(`DELETE FROM blobs WHERE entity_id = ?`, e.id)
	e.txn.exec(`DELETE FROM links WHERE source_id = ? OR target_id = ?`, e.id, e.id)
	e.txn.exec(`DELETE FROM entities WHERE id = ?`, e.id)
}

// HasLink reports whether target is among the targets of the named link.
func (e *Entity) HasLink(name string, target *Entity) (bool, error) {
	t := e.txn
	if t.err != nil {
		return false, t.err
	}
	var n int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM links WHERE source_id = ? AND name = ? AND target_id = ?`,
		e.id, name, target.id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("entitystore: %w", err)
	}
	return n > 0, nil
}
