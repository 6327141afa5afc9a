package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/asyncgraph/internal/graph"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession opens a session that is closed before the store.
func createTestSession(t *testing.T, s *Store) graph.Session {
	t.Helper()
	sess, err := s.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession() failed: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// mustAddVertex adds a vertex or fails the test.
func mustAddVertex(t *testing.T, sess graph.Session, id string, props graph.Properties) *graph.Vertex {
	t.Helper()
	v, err := sess.AddVertex(context.Background(), id, props)
	if err != nil {
		t.Fatalf("AddVertex(%q) failed: %v", id, err)
	}
	return v
}
