package scriptstore

import (
	"context"
	"testing"

	"github.com/wippyai/scripthost/tenant"
)

func openStores(t *testing.T) []Store {
	t.Helper()
	sq, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return []Store{sq, NewMemory()}
}

func TestPutAndScripts(t *testing.T) {
	ctx := context.Background()
	for _, st := range openStores(t) {
		if err := st.Put(ctx, "g1", tenant.Script{ID: "b", Name: "beta", Source: "bb", Enabled: true}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := st.Put(ctx, "g1", tenant.Script{ID: "a", Name: "alpha", Source: "aa", Enabled: false}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := st.Put(ctx, "g2", tenant.Script{ID: "a", Name: "other", Source: "cc", Enabled: true}); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := st.Scripts(ctx, "g1")
		if err != nil {
			t.Fatalf("Scripts: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 scripts for g1, got %d", len(got))
		}
		if got[0].ID != "a" || got[1].ID != "b" {
			t.Fatalf("expected stable id order, got %q then %q", got[0].ID, got[1].ID)
		}
		if got[0].Enabled {
			t.Fatalf("script a should be disabled")
		}
		if got[1].Hash == "" {
			t.Fatalf("hash should be populated on write")
		}
	}
}

func TestPutReplacesExisting(t *testing.T) {
	ctx := context.Background()
	for _, st := range openStores(t) {
		if err := st.Put(ctx, "g1", tenant.Script{ID: "a", Name: "alpha", Source: "v1", Enabled: true}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := st.Put(ctx, "g1", tenant.Script{ID: "a", Name: "alpha", Source: "v2", Enabled: true}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := st.Scripts(ctx, "g1")
		if err != nil {
			t.Fatalf("Scripts: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 script, got %d", len(got))
		}
		if got[0].Source != "v2" {
			t.Fatalf("expected replaced source, got %q", got[0].Source)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for _, st := range openStores(t) {
		if err := st.Put(ctx, "g1", tenant.Script{ID: "a", Name: "alpha", Source: "aa", Enabled: true}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := st.Delete(ctx, "g1", "a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := st.Delete(ctx, "g1", "a"); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
		got, err := st.Scripts(ctx, "g1")
		if err != nil {
			t.Fatalf("Scripts: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no scripts, got %d", len(got))
		}
	}
}

func TestPutRejectsEmptyID(t *testing.T) {
	ctx := context.Background()
	for _, st := range openStores(t) {
		if err := st.Put(ctx, "g1", tenant.Script{Name: "alpha", Source: "aa"}); err == nil {
			t.Fatalf("expected error for empty id")
		}
	}
}
