package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/asyncgraph/internal/graph"
)

// classTable maps an element class to the table holding its elements.
func classTable(class graph.ElementClass) (string, error) {
	switch class {
	case graph.VertexClass:
		return "vertices", nil
	case graph.EdgeClass:
		return "edges", nil
	default:
		return "", fmt.Errorf("invalid element class %q", class)
	}
}

// keyIndexName is the SQLite index backing a key index.
func keyIndexName(class graph.ElementClass, key string) string {
	return fmt.Sprintf("idx_key_%s_%s", class, key)
}

// CreateIndex registers a named manual index.
func (s *Session) CreateIndex(ctx context.Context, name string, class graph.ElementClass, params ...graph.IndexParameter) (*graph.Index, error) {
	if _, err := classTable(class); err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "create index", err)
	}
	data, err := marshalParameters(params)
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "create index", err)
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO manual_indices (name, class, parameters) VALUES (?, ?, ?)`,
		name, string(class), data)
	if isConstraintViolation(err) {
		return nil, graph.NewError(graph.CodeBackend, "create index", "index %q already exists", name)
	}
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "create index", err)
	}
	return &graph.Index{Name: name, Class: class, Parameters: params}, nil
}

// GetIndex returns the manual index with the given name and class.
func (s *Session) GetIndex(ctx context.Context, name string, class graph.ElementClass) (*graph.Index, error) {
	var data string
	err := s.conn.QueryRowContext(ctx,
		`SELECT parameters FROM manual_indices WHERE name = ? AND class = ?`,
		name, string(class)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, graph.NewError(graph.CodeNotFound, "get index", "%s index %q", class, name)
	}
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "get index", err)
	}
	params, err := unmarshalParameters(data)
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "get index", err)
	}
	return &graph.Index{Name: name, Class: class, Parameters: params}, nil
}

// Indices lists every manual index ordered by name.
func (s *Session) Indices(ctx context.Context) ([]*graph.Index, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT name, class, parameters FROM manual_indices ORDER BY name ASC`)
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "get indices", err)
	}
	defer rows.Close()

	out := []*graph.Index{}
	for rows.Next() {
		var name, class, data string
		if err := rows.Scan(&name, &class, &data); err != nil {
			return nil, graph.WrapError(graph.CodeBackend, "get indices", err)
		}
		params, err := unmarshalParameters(data)
		if err != nil {
			return nil, graph.WrapError(graph.CodeBackend, "get indices", err)
		}
		out = append(out, &graph.Index{Name: name, Class: graph.ElementClass(class), Parameters: params})
	}
	if err := rows.Err(); err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "get indices", err)
	}
	return out, nil
}

// DropIndex removes a manual index.
func (s *Session) DropIndex(ctx context.Context, name string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM manual_indices WHERE name = ?`, name)
	if err != nil {
		return graph.WrapError(graph.CodeBackend, "drop index", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return graph.NewError(graph.CodeNotFound, "drop index", "index %q", name)
	}
	return nil
}

// CreateKeyIndex indexes a property key with a SQLite expression index.
// Creating an existing key index is a no-op.
func (s *Session) CreateKeyIndex(ctx context.Context, key string, class graph.ElementClass, params ...graph.IndexParameter) error {
	table, err := classTable(class)
	if err != nil {
		return graph.WrapError(graph.CodeBackend, "create key index", err)
	}
	if !identifierKey.MatchString(key) {
		return graph.NewError(graph.CodeBackend, "create key index", "key %q is not a valid identifier", key)
	}
	data, err := marshalParameters(params)
	if err != nil {
		return graph.WrapError(graph.CodeBackend, "create key index", err)
	}

	expr, _ := jsonPath("properties", key)
	return s.withTx(ctx, "create key index", "", func(tx *sql.Tx) (string, error) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO key_indices (class, key, parameters) VALUES (?, ?, ?)
			ON CONFLICT(class, key) DO NOTHING
		`, string(class), key, data); err != nil {
			return "", err
		}
		ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(%s)`, keyIndexName(class, key), table, expr)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return "", err
		}
		return "", nil
	})
}

// DropKeyIndex removes a key index and its SQLite index.
func (s *Session) DropKeyIndex(ctx context.Context, key string, class graph.ElementClass) error {
	if _, err := classTable(class); err != nil {
		return graph.WrapError(graph.CodeBackend, "drop key index", err)
	}
	return s.withTx(ctx, "drop key index", "", func(tx *sql.Tx) (string, error) {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM key_indices WHERE class = ? AND key = ?`, string(class), key)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", graph.NewError(graph.CodeNotFound, "drop key index", "%s key index %q", class, key)
		}
		if identifierKey.MatchString(key) {
			if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS `+keyIndexName(class, key)); err != nil {
				return "", err
			}
		}
		return "", nil
	})
}

// IndexedKeys lists the indexed property keys of class, sorted.
func (s *Session) IndexedKeys(ctx context.Context, class graph.ElementClass) ([]string, error) {
	if _, err := classTable(class); err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "indexed keys", err)
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key FROM key_indices WHERE class = ? ORDER BY key ASC`, string(class))
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "indexed keys", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, graph.WrapError(graph.CodeBackend, "indexed keys", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "indexed keys", err)
	}
	return keys, nil
}
