package spec

import (
	"context"
	"errors"
	"testing"
)

func TestGetSpecificationOwnerScoping(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Specification{ID: "spec-1", OwnerID: "owner-a", Name: "Bot"})
	ctx := context.Background()

	if _, err := s.GetSpecification(ctx, "spec-1", "owner-a"); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	// A different owner must see absence, not a permission error.
	if _, err := s.GetSpecification(ctx, "spec-1", "owner-b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if _, err := s.GetSpecification(ctx, "missing", "owner-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
	// Internal reads (no owner) bypass the scoping.
	if _, err := s.GetSpecification(ctx, "spec-1", ""); err != nil {
		t.Fatalf("unscoped read: %v", err)
	}
}
