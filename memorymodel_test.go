package modelcache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryModel_FindByPk(t *testing.T) {
	ctx := context.Background()
	model := newTestModel(
		TestUser{ID: "1", Email: "a@example.com"},
		TestUser{ID: "2", Email: "b@example.com"},
	)

	got, found, err := model.FindByPk(ctx, "2")
	if err != nil {
		t.Fatalf("FindByPk error: %v", err)
	}
	if !found {
		t.Fatal("Expected record")
	}
	if got.Email != "b@example.com" {
		t.Errorf("Expected b@example.com, got %s", got.Email)
	}

	_, found, err = model.FindByPk(ctx, "nope")
	if err != nil {
		t.Fatalf("FindByPk error: %v", err)
	}
	if found {
		t.Error("Expected no record")
	}
}

func TestMemoryModel_FindOne(t *testing.T) {
	ctx := context.Background()
	model := newTestModel(
		TestUser{ID: "1", Email: "a@example.com"},
		TestUser{ID: "2", Email: "b@example.com"},
	)

	got, found, err := model.FindOne(ctx, Eq("email", "b@example.com"))
	if err != nil {
		t.Fatalf("FindOne error: %v", err)
	}
	if !found || got.ID != "2" {
		t.Errorf("Expected record 2, got %+v found=%v", got, found)
	}

	_, found, err = model.FindOne(ctx, Eq("email", "missing@example.com"))
	if err != nil {
		t.Fatalf("FindOne error: %v", err)
	}
	if found {
		t.Error("Expected no record")
	}
}

func TestMemoryModel_FindAllGreaterThan(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Now()
	model := newTestModel(
		TestUser{ID: "old", UpdatedAt: cutoff.Add(-time.Hour)},
		TestUser{ID: "new1", UpdatedAt: cutoff.Add(time.Minute)},
		TestUser{ID: "new2", UpdatedAt: cutoff.Add(time.Hour)},
	)

	got, err := model.FindAll(ctx, Gt("updatedAt", cutoff))
	if err != nil {
		t.Fatalf("FindAll error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got[0].ID != "new1" || got[1].ID != "new2" {
		t.Errorf("Expected insertion order new1, new2, got %+v", got)
	}
}

func TestMemoryModel_FindAllIn(t *testing.T) {
	ctx := context.Background()
	model := newTestModel(
		TestUser{ID: "1", Email: "a@example.com"},
		TestUser{ID: "2", Email: "b@example.com"},
		TestUser{ID: "3", Email: "c@example.com"},
	)

	got, err := model.FindAll(ctx, In("email", []any{"a@example.com", "c@example.com"}))
	if err != nil {
		t.Fatalf("FindAll error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}

	// Empty query matches everything
	all, err := model.FindAll(ctx, Query{})
	if err != nil {
		t.Fatalf("FindAll error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 records, got %d", len(all))
	}
}

func TestMemoryModel_UnknownAttribute(t *testing.T) {
	ctx := context.Background()
	model := newTestModel(TestUser{ID: "1"})

	if _, err := model.FindAll(ctx, Eq("nope", "x")); err == nil {
		t.Error("Expected error for unknown attribute")
	}
	if _, _, err := model.FindOne(ctx, Gt("nope", 1)); err == nil {
		t.Error("Expected error for unknown attribute")
	}
}

func TestMemoryModel_HooksFire(t *testing.T) {
	model := newTestModel()

	var created, updated, destroyed []string
	if err := model.AddHook(HookAfterCreate, "t", func(u TestUser) { created = append(created, u.ID) }); err != nil {
		t.Fatalf("AddHook error: %v", err)
	}
	if err := model.AddHook(HookAfterUpdate, "t", func(u TestUser) { updated = append(updated, u.ID) }); err != nil {
		t.Fatalf("AddHook error: %v", err)
	}
	if err := model.AddHook(HookAfterDestroy, "t", func(u TestUser) { destroyed = append(destroyed, u.ID) }); err != nil {
		t.Fatalf("AddHook error: %v", err)
	}

	model.Create(TestUser{ID: "1"})
	model.Update(TestUser{ID: "1", Name: "changed"})
	model.Delete("1")
	// Unknown id fires nothing
	model.Delete("nope")

	if len(created) != 1 || created[0] != "1" {
		t.Errorf("Expected create hook for 1, got %v", created)
	}
	if len(updated) != 1 || updated[0] != "1" {
		t.Errorf("Expected update hook for 1, got %v", updated)
	}
	if len(destroyed) != 1 || destroyed[0] != "1" {
		t.Errorf("Expected destroy hook for 1, got %v", destroyed)
	}
	if model.Len() != 0 {
		t.Errorf("Expected empty model, got %d records", model.Len())
	}
}

func TestMemoryModel_SeedSkipsHooks(t *testing.T) {
	model := newTestModel()

	fired := false
	if err := model.AddHook(HookAfterCreate, "t", func(TestUser) { fired = true }); err != nil {
		t.Fatalf("AddHook error: %v", err)
	}

	model.Seed(TestUser{ID: "1"})

	if fired {
		t.Error("Expected Seed not to fire hooks")
	}
	if model.Len() != 1 {
		t.Errorf("Expected 1 record, got %d", model.Len())
	}
}

func TestMemoryModel_HookRegistration(t *testing.T) {
	model := newTestModel()

	if err := model.AddHook(HookAfterCreate, "dup", func(TestUser) {}); err != nil {
		t.Fatalf("AddHook error: %v", err)
	}
	if err := model.AddHook(HookAfterCreate, "dup", func(TestUser) {}); err == nil {
		t.Error("Expected duplicate name to be rejected")
	}
	if err := model.AddHook("afterSave", "x", func(TestUser) {}); err == nil {
		t.Error("Expected unknown event to be rejected")
	}

	if err := model.RemoveHook(HookAfterCreate, "dup"); err != nil {
		t.Fatalf("RemoveHook error: %v", err)
	}
	if err := model.RemoveHook(HookAfterCreate, "dup"); err == nil {
		t.Error("Expected removing an unknown name to fail")
	}
	if n := model.HookCount(HookAfterCreate); n != 0 {
		t.Errorf("Expected 0 hooks, got %d", n)
	}
}

func TestMemoryModel_AttributesSorted(t *testing.T) {
	model := NewMemoryModel(func(u TestUser) string { return u.ID }).
		WithField("phone", func(u TestUser) any { return u.Phone }).
		WithField("email", func(u TestUser) any { return u.Email })

	attrs := model.Attributes()
	expected := []string{"email", "id", "phone"}
	if len(attrs) != len(expected) {
		t.Fatalf("Expected %d attributes, got %d", len(expected), len(attrs))
	}
	for i, name := range expected {
		if attrs[i] != name {
			t.Errorf("Expected %s at position %d, got %s", name, i, attrs[i])
		}
	}
}

func TestMemoryModel_NumericComparison(t *testing.T) {
	ctx := context.Background()
	model := NewMemoryModel(func(u TestUser) string { return u.ID }).
		WithField("version", func(u TestUser) any { return len(u.Name) })
	model.Seed(
		TestUser{ID: "short", Name: "ab"},
		TestUser{ID: "long", Name: "abcdef"},
	)

	got, err := model.FindAll(ctx, Gt("version", 3))
	if err != nil {
		t.Fatalf("FindAll error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "long" {
		t.Errorf("Expected only the long record, got %+v", got)
	}

	// Mismatched comparison types surface as errors
	if _, err := model.FindAll(ctx, Gt("version", time.Now())); err == nil {
		t.Error("Expected error comparing int against time")
	}
}
