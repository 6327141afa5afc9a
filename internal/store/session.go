package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/asyncgraph/internal/graph"
)

// Journal kinds recorded for bound mutations.
const (
	KindAddVertex    = "add_vertex"
	KindRemoveVertex = "remove_vertex"
	KindAddEdge      = "add_edge"
	KindRemoveEdge   = "remove_edge"
	KindCommand      = "command"
)

// Session is a graph session on one dedicated connection.
// A Session must not be used by two goroutines at once.
type Session struct {
	conn    *sql.Conn
	binding graph.Binding
}

var _ graph.Session = (*Session)(nil)

// Bind attaches the mutation being executed. Writes made while bound are
// journaled under b.Unit.
func (s *Session) Bind(b graph.Binding) {
	s.binding = b
}

// Reset clears the binding and checks the connection is still usable.
func (s *Session) Reset(ctx context.Context) error {
	s.binding = graph.Binding{}
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

// Close returns the connection to the database.
func (s *Session) Close() error {
	return s.conn.Close()
}

// withTx runs fn in a transaction and journals the mutation when bound.
// An empty kind marks schema changes, which are never journaled.
func (s *Session) withTx(ctx context.Context, op, kind string, fn func(tx *sql.Tx) (string, error)) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return graph.WrapError(graph.CodeBackend, op, err)
	}
	defer tx.Rollback()

	elementID, err := fn(tx)
	if err != nil {
		var ge *graph.Error
		if errors.As(err, &ge) {
			return err
		}
		return graph.WrapError(graph.CodeBackend, op, err)
	}

	if kind != "" && !s.binding.Unit.IsZero() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mutation_journal (op_unit, seq, kind, element_id, actor)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(op_unit) DO NOTHING
		`, s.binding.Unit, s.binding.Seq, kind, elementID, s.binding.Actor)
		if err != nil {
			return graph.WrapError(graph.CodeBackend, op, fmt.Errorf("journal: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return graph.WrapError(graph.CodeBackend, op, err)
	}
	return nil
}

// newElementID returns a time-ordered UUID string.
func newElementID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Session) AddVertex(ctx context.Context, id string, props graph.Properties) (*graph.Vertex, error) {
	if id == "" {
		id = newElementID()
	}
	data, err := marshalProperties(props)
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "add vertex", err)
	}

	err = s.withTx(ctx, "add vertex", KindAddVertex, func(tx *sql.Tx) (string, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vertices (id, version, properties) VALUES (?, 1, ?)`, id, data)
		if isConstraintViolation(err) {
			return "", graph.NewError(graph.CodeBackend, "add vertex", "vertex %q already exists", id)
		}
		return id, err
	})
	if err != nil {
		return nil, err
	}

	stored, err := unmarshalProperties(data)
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "add vertex", err)
	}
	return &graph.Vertex{ID: id, Version: 1, Properties: stored}, nil
}

func (s *Session) GetVertex(ctx context.Context, id string) (*graph.Vertex, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, version, properties FROM vertices WHERE id = ?`, id)
	v, err := scanVertex(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, graph.NewError(graph.CodeNotFound, "get vertex", "vertex %q", id)
	}
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "get vertex", err)
	}
	return v, nil
}

// Reload re-reads v from the database.
func (s *Session) Reload(ctx context.Context, v *graph.Vertex) (*graph.Vertex, error) {
	if v == nil {
		return nil, graph.NewError(graph.CodeNotFound, "reload vertex", "nil vertex")
	}
	return s.GetVertex(ctx, v.ID)
}

// RemoveVertex deletes v and, through the foreign key cascade, its edges.
func (s *Session) RemoveVertex(ctx context.Context, v *graph.Vertex) error {
	return s.withTx(ctx, "remove vertex", KindRemoveVertex, func(tx *sql.Tx) (string, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM vertices WHERE id = ?`, v.ID)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", graph.NewError(graph.CodeNotFound, "remove vertex", "vertex %q", v.ID)
		}
		return v.ID, nil
	})
}

func (s *Session) Vertices(ctx context.Context) ([]*graph.Vertex, error) {
	return s.queryVertices(ctx, "get vertices",
		`SELECT id, version, properties FROM vertices ORDER BY id ASC`)
}

func (s *Session) VerticesByProperty(ctx context.Context, key string, value any) ([]*graph.Vertex, error) {
	where, args, err := propertyFilter("properties", key, value)
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "get vertices", err)
	}
	return s.queryVertices(ctx, "get vertices",
		`SELECT id, version, properties FROM vertices WHERE `+where+` ORDER BY id ASC`, args...)
}

func (s *Session) CountVertices(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM vertices`).Scan(&n); err != nil {
		return 0, graph.WrapError(graph.CodeBackend, "count vertices", err)
	}
	return n, nil
}

func (s *Session) queryVertices(ctx context.Context, op, query string, args ...any) ([]*graph.Vertex, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, op, err)
	}
	defer rows.Close()

	out := []*graph.Vertex{}
	for rows.Next() {
		v, err := scanVertex(rows)
		if err != nil {
			return nil, graph.WrapError(graph.CodeBackend, op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, graph.WrapError(graph.CodeBackend, op, err)
	}
	return out, nil
}

// AddEdge creates an edge if both endpoints are still at the versions the
// caller holds, bumping each endpoint's version in the same transaction.
func (s *Session) AddEdge(ctx context.Context, id string, out, in *graph.Vertex, label string) (*graph.Edge, error) {
	if out == nil || in == nil {
		return nil, graph.NewError(graph.CodeNotFound, "add edge", "missing endpoint")
	}
	if id == "" {
		id = newElementID()
	}

	endpoints := []*graph.Vertex{out}
	if in.ID != out.ID {
		endpoints = append(endpoints, in)
	}

	err := s.withTx(ctx, "add edge", KindAddEdge, func(tx *sql.Tx) (string, error) {
		for _, v := range endpoints {
			if err := bumpVersion(ctx, tx, v); err != nil {
				return "", err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edges (id, out_id, in_id, label, version, properties)
			VALUES (?, ?, ?, ?, 1, '{}')
		`, id, out.ID, in.ID, label)
		if isConstraintViolation(err) {
			return "", graph.NewError(graph.CodeBackend, "add edge", "edge %q already exists", id)
		}
		return id, err
	})
	if err != nil {
		return nil, err
	}

	return &graph.Edge{
		ID:         id,
		OutID:      out.ID,
		InID:       in.ID,
		Label:      label,
		Version:    1,
		Properties: graph.Properties{},
	}, nil
}

// bumpVersion advances v's stored version if it still equals v.Version.
func bumpVersion(ctx context.Context, tx *sql.Tx, v *graph.Vertex) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE vertices SET version = version + 1 WHERE id = ? AND version = ?`, v.ID, v.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM vertices WHERE id = ?`, v.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.NewError(graph.CodeNotFound, "add edge", "vertex %q", v.ID)
	}
	if err != nil {
		return err
	}
	return graph.NewError(graph.CodeConflict, "add edge",
		"vertex %q is at version %d, expected %d", v.ID, current, v.Version)
}

func (s *Session) GetEdge(ctx context.Context, id string) (*graph.Edge, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, out_id, in_id, label, version, properties FROM edges WHERE id = ?`, id)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, graph.NewError(graph.CodeNotFound, "get edge", "edge %q", id)
	}
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, "get edge", err)
	}
	return e, nil
}

func (s *Session) RemoveEdge(ctx context.Context, e *graph.Edge) error {
	return s.withTx(ctx, "remove edge", KindRemoveEdge, func(tx *sql.Tx) (string, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, e.ID)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", graph.NewError(graph.CodeNotFound, "remove edge", "edge %q", e.ID)
		}
		return e.ID, nil
	})
}

func (s *Session) Edges(ctx context.Context) ([]*graph.Edge, error) {
	return s.queryEdges(ctx, "get edges",
		`SELECT id, out_id, in_id, label, version, properties FROM edges ORDER BY id ASC`)
}

// EdgesByProperty matches a property, or the edge label when key is "label".
func (s *Session) EdgesByProperty(ctx context.Context, key string, value any) ([]*graph.Edge, error) {
	var where string
	var args []any
	if key == "label" {
		where, args = "label = ?", []any{fmt.Sprint(value)}
	} else {
		var err error
		where, args, err = propertyFilter("properties", key, value)
		if err != nil {
			return nil, graph.WrapError(graph.CodeBackend, "get edges", err)
		}
	}
	return s.queryEdges(ctx, "get edges",
		`SELECT id, out_id, in_id, label, version, properties FROM edges WHERE `+where+` ORDER BY id ASC`, args...)
}

func (s *Session) CountEdges(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&n); err != nil {
		return 0, graph.WrapError(graph.CodeBackend, "count edges", err)
	}
	return n, nil
}

func (s *Session) queryEdges(ctx context.Context, op, query string, args ...any) ([]*graph.Edge, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, graph.WrapError(graph.CodeBackend, op, err)
	}
	defer rows.Close()

	out := []*graph.Edge{}
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, graph.WrapError(graph.CodeBackend, op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, graph.WrapError(graph.CodeBackend, op, err)
	}
	return out, nil
}

// Command runs a raw SQL statement. Statements that return rows are
// queried; anything else is executed in a journaled transaction.
func (s *Session) Command(ctx context.Context, stmt string, args ...any) (graph.CommandResult, error) {
	if returnsRows(stmt) {
		return s.queryCommand(ctx, stmt, args...)
	}

	var affected int64
	err := s.withTx(ctx, "command", KindCommand, func(tx *sql.Tx) (string, error) {
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return "", err
		}
		affected, _ = res.RowsAffected()
		return "", nil
	})
	if err != nil {
		return graph.CommandResult{}, err
	}
	return graph.CommandResult{RowsAffected: affected}, nil
}

func (s *Session) queryCommand(ctx context.Context, stmt string, args ...any) (graph.CommandResult, error) {
	rows, err := s.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return graph.CommandResult{}, graph.WrapError(graph.CodeBackend, "command", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return graph.CommandResult{}, graph.WrapError(graph.CodeBackend, "command", err)
	}

	result := graph.CommandResult{Rows: []map[string]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return graph.CommandResult{}, graph.WrapError(graph.CodeBackend, "command", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return graph.CommandResult{}, graph.WrapError(graph.CodeBackend, "command", err)
	}
	return result, nil
}

func returnsRows(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES":
		return true
	}
	return false
}

// identifierKey matches property keys that can be inlined into a JSON path
// literal, which lets SQLite use key index expressions.
var identifierKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// jsonPath returns the SQL expression extracting key from column.
func jsonPath(column, key string) (string, []any) {
	if identifierKey.MatchString(key) {
		return fmt.Sprintf("json_extract(%s, '$.%s')", column, key), nil
	}
	return fmt.Sprintf("json_extract(%s, ?)", column), []any{fmt.Sprintf("$.%q", key)}
}

// propertyFilter builds a WHERE clause matching column.key == value.
func propertyFilter(column, key string, value any) (string, []any, error) {
	if key == "" {
		return "", nil, errors.New("empty property key")
	}
	expr, args := jsonPath(column, key)

	switch v := value.(type) {
	case nil:
		path := fmt.Sprintf("$.%q", key)
		return fmt.Sprintf("json_type(%s, ?) = 'null'", column), []any{path}, nil
	case bool:
		if v {
			return expr + " = 1", args, nil
		}
		return expr + " = 0", args, nil
	case string:
		return expr + " = ?", append(args, v), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return expr + " = ?", append(args, v), nil
	default:
		// Objects and arrays compare as canonical JSON text.
		var buf bytes.Buffer
		if err := writeCanonical(&buf, v); err != nil {
			return "", nil, err
		}
		return expr + " = ?", append(args, buf.String()), nil
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVertex(row scanner) (*graph.Vertex, error) {
	var v graph.Vertex
	var props string
	if err := row.Scan(&v.ID, &v.Version, &props); err != nil {
		return nil, err
	}
	p, err := unmarshalProperties(props)
	if err != nil {
		return nil, err
	}
	v.Properties = p
	return &v, nil
}

func scanEdge(row scanner) (*graph.Edge, error) {
	var e graph.Edge
	var props string
	if err := row.Scan(&e.ID, &e.OutID, &e.InID, &e.Label, &e.Version, &props); err != nil {
		return nil, err
	}
	p, err := unmarshalProperties(props)
	if err != nil {
		return nil, err
	}
	e.Properties = p
	return &e, nil
}
