package weft

import (
	"database/sql"
	"slices"
	"time"

	_ "modernc.org/sqlite"
)

// Sqlite-backed store state. Keys and values are stored in wire form; the
// expiry column holds nanoseconds since the epoch, NULL when absent. The
// meta table carries the on-disk format version.

const sqliteFormatVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta(
    key TEXT PRIMARY KEY,
    value INTEGER
);
CREATE TABLE IF NOT EXISTS store(
    key BLOB PRIMARY KEY,
    value BLOB NOT NULL,
    expiry INTEGER
);
`

type SqliteBackend struct {
	db *sql.DB
}

func NewSqliteBackend(options BackendOptions) (*SqliteBackend, error) {
	path := ""
	if pathValue, ok := options["path"]; ok {
		path = pathValue.Str()
	}
	if path == "" {
		return nil, NewError(ErrorBackendFailure, "sqlite backend needs a path option")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, NewError(ErrorBackendFailure, "open %s: %s", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, NewError(ErrorBackendFailure, "schema: %s", err)
	}
	var version int64
	err = db.QueryRow(`SELECT value FROM meta WHERE key = 'format_version'`).Scan(&version)
	switch err {
	case sql.ErrNoRows:
		if _, err := db.Exec(
			`INSERT INTO meta(key, value) VALUES ('format_version', ?)`,
			sqliteFormatVersion,
		); err != nil {
			db.Close()
			return nil, NewError(ErrorBackendFailure, "meta: %s", err)
		}
	case nil:
		if version != sqliteFormatVersion {
			db.Close()
			return nil, NewError(ErrorBackendFailure, "format version %d != %d", version, sqliteFormatVersion)
		}
	default:
		db.Close()
		return nil, NewError(ErrorBackendFailure, "meta: %s", err)
	}
	return &SqliteBackend{db: db}, nil
}

func sqliteExpiry(expiry time.Time) any {
	if expiry.IsZero() {
		return nil
	}
	return expiry.UnixNano()
}

func (self *SqliteBackend) Put(key Value, value Value, expiry time.Time) error {
	_, err := self.db.Exec(
		`INSERT INTO store(key, value, expiry) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expiry = excluded.expiry`,
		EncodeValue(key), EncodeValue(value), sqliteExpiry(expiry),
	)
	if err != nil {
		return NewError(ErrorBackendFailure, "put: %s", err)
	}
	return nil
}

// read-modify-write under one transaction
func (self *SqliteBackend) apply(
	key Value,
	expiry time.Time,
	requireExists bool,
	fn func(current Value) (Value, error),
) error {
	tx, err := self.db.Begin()
	if err != nil {
		return NewError(ErrorBackendFailure, "begin: %s", err)
	}
	defer tx.Rollback()

	keyBytes := EncodeValue(key)
	current := None()
	var valueBytes []byte
	err = tx.QueryRow(`SELECT value FROM store WHERE key = ?`, keyBytes).Scan(&valueBytes)
	switch err {
	case sql.ErrNoRows:
		if requireExists {
			return NewError(ErrorNoSuchKey, "%s", key)
		}
	case nil:
		current, err = DecodeValue(valueBytes)
		if err != nil {
			return NewError(ErrorBackendFailure, "corrupt value: %s", err)
		}
	default:
		return NewError(ErrorBackendFailure, "get: %s", err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO store(key, value, expiry) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expiry = excluded.expiry`,
		keyBytes, EncodeValue(next), sqliteExpiry(expiry),
	); err != nil {
		return NewError(ErrorBackendFailure, "put: %s", err)
	}
	if err := tx.Commit(); err != nil {
		return NewError(ErrorBackendFailure, "commit: %s", err)
	}
	return nil
}

func (self *SqliteBackend) Add(key Value, value Value, initKind ValueKind, expiry time.Time) error {
	return self.apply(key, expiry, false, func(current Value) (Value, error) {
		return applyAdd(current, value, initKind)
	})
}

func (self *SqliteBackend) Subtract(key Value, value Value, expiry time.Time) error {
	return self.apply(key, expiry, true, func(current Value) (Value, error) {
		return applySubtract(current, value)
	})
}

func (self *SqliteBackend) Erase(key Value) error {
	if _, err := self.db.Exec(`DELETE FROM store WHERE key = ?`, EncodeValue(key)); err != nil {
		return NewError(ErrorBackendFailure, "erase: %s", err)
	}
	return nil
}

func (self *SqliteBackend) Clear() error {
	if _, err := self.db.Exec(`DELETE FROM store`); err != nil {
		return NewError(ErrorBackendFailure, "clear: %s", err)
	}
	return nil
}

func (self *SqliteBackend) Expire(key Value, ts time.Time) (bool, error) {
	result, err := self.db.Exec(
		`DELETE FROM store WHERE key = ? AND expiry = ?`,
		EncodeValue(key), ts.UnixNano(),
	)
	if err != nil {
		return false, NewError(ErrorBackendFailure, "expire: %s", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, NewError(ErrorBackendFailure, "expire: %s", err)
	}
	return 0 < n, nil
}

func (self *SqliteBackend) Get(key Value) (Value, error) {
	var valueBytes []byte
	err := self.db.QueryRow(`SELECT value FROM store WHERE key = ?`, EncodeValue(key)).Scan(&valueBytes)
	switch err {
	case sql.ErrNoRows:
		return None(), NewError(ErrorNoSuchKey, "%s", key)
	case nil:
		value, err := DecodeValue(valueBytes)
		if err != nil {
			return None(), NewError(ErrorBackendFailure, "corrupt value: %s", err)
		}
		return value, nil
	default:
		return None(), NewError(ErrorBackendFailure, "get: %s", err)
	}
}

func (self *SqliteBackend) Exists(key Value) (bool, error) {
	var one int
	err := self.db.QueryRow(`SELECT 1 FROM store WHERE key = ?`, EncodeValue(key)).Scan(&one)
	switch err {
	case sql.ErrNoRows:
		return false, nil
	case nil:
		return true, nil
	default:
		return false, NewError(ErrorBackendFailure, "exists: %s", err)
	}
}

func (self *SqliteBackend) Size() (uint64, error) {
	var n uint64
	if err := self.db.QueryRow(`SELECT COUNT(*) FROM store`).Scan(&n); err != nil {
		return 0, NewError(ErrorBackendFailure, "size: %s", err)
	}
	return n, nil
}

func (self *SqliteBackend) Keys() (Value, error) {
	rows, err := self.db.Query(`SELECT key FROM store`)
	if err != nil {
		return None(), NewError(ErrorBackendFailure, "keys: %s", err)
	}
	defer rows.Close()
	keys := []Value{}
	for rows.Next() {
		var keyBytes []byte
		if err := rows.Scan(&keyBytes); err != nil {
			return None(), NewError(ErrorBackendFailure, "keys: %s", err)
		}
		key, err := DecodeValue(keyBytes)
		if err != nil {
			return None(), NewError(ErrorBackendFailure, "corrupt key: %s", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return None(), NewError(ErrorBackendFailure, "keys: %s", err)
	}
	return Set(keys...), nil
}

func (self *SqliteBackend) Snapshot() ([]TableEntry, error) {
	rows, err := self.db.Query(`SELECT key, value FROM store`)
	if err != nil {
		return nil, NewError(ErrorBackendFailure, "snapshot: %s", err)
	}
	defer rows.Close()
	entries := []TableEntry{}
	for rows.Next() {
		var keyBytes, valueBytes []byte
		if err := rows.Scan(&keyBytes, &valueBytes); err != nil {
			return nil, NewError(ErrorBackendFailure, "snapshot: %s", err)
		}
		key, err := DecodeValue(keyBytes)
		if err != nil {
			return nil, NewError(ErrorBackendFailure, "corrupt key: %s", err)
		}
		value, err := DecodeValue(valueBytes)
		if err != nil {
			return nil, NewError(ErrorBackendFailure, "corrupt value: %s", err)
		}
		entries = append(entries, TableEntry{Key: key, Val: value})
	}
	if err := rows.Err(); err != nil {
		return nil, NewError(ErrorBackendFailure, "snapshot: %s", err)
	}
	slices.SortFunc(entries, func(a TableEntry, b TableEntry) int {
		return Compare(a.Key, b.Key)
	})
	return entries, nil
}

func (self *SqliteBackend) Expiries() ([]Expirable, error) {
	rows, err := self.db.Query(`SELECT key, expiry FROM store WHERE expiry IS NOT NULL`)
	if err != nil {
		return nil, NewError(ErrorBackendFailure, "expiries: %s", err)
	}
	defer rows.Close()
	expirables := []Expirable{}
	for rows.Next() {
		var keyBytes []byte
		var expiryNanos int64
		if err := rows.Scan(&keyBytes, &expiryNanos); err != nil {
			return nil, NewError(ErrorBackendFailure, "expiries: %s", err)
		}
		key, err := DecodeValue(keyBytes)
		if err != nil {
			return nil, NewError(ErrorBackendFailure, "corrupt key: %s", err)
		}
		expirables = append(expirables, Expirable{Key: key, Expiry: time.Unix(0, expiryNanos)})
	}
	if err := rows.Err(); err != nil {
		return nil, NewError(ErrorBackendFailure, "expiries: %s", err)
	}
	return expirables, nil
}

func (self *SqliteBackend) Close() error {
	return self.db.Close()
}
