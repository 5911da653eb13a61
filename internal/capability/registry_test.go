package capability

import (
	"context"
	"errors"
	"testing"
)

func testCap(name, provider string) Capability {
	return Capability{
		Name:          name,
		Provider:      provider,
		Description:   "test capability",
		Parameters:    map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		Reversibility: Reversible,
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "ok", nil
		},
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(testCap("time_now", "time")); err != nil {
		t.Fatalf("register: %v", err)
	}

	c, err := reg.Resolve("time_now")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Name != "time_now" || c.Provider != "time" {
		t.Errorf("unexpected capability: %+v", c)
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(testCap("delete_file", "files")); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := reg.Register(testCap("delete_file", "other"))
	if !errors.Is(err, ErrDuplicateCapability) {
		t.Fatalf("expected ErrDuplicateCapability, got %v", err)
	}

	// Registry state unchanged: original owner still resolves.
	c, err := reg.Resolve("delete_file")
	if err != nil {
		t.Fatalf("resolve after conflict: %v", err)
	}
	if c.Provider != "files" {
		t.Errorf("expected original provider files, got %s", c.Provider)
	}
	if reg.Count() != 1 {
		t.Errorf("expected 1 capability, got %d", reg.Count())
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve("nope")
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}
}

func TestRegistry_DisabledProviderHidden(t *testing.T) {
	reg := NewRegistry()
	reg.Register(testCap("file_read", "files"))
	reg.Register(testCap("time_now", "time"))

	reg.SetProviderEnabled("files", false)

	if _, err := reg.Resolve("file_read"); !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("disabled provider should resolve as unknown, got %v", err)
	}

	list := reg.List()
	if len(list) != 1 || list[0].Name != "time_now" {
		t.Errorf("expected only time_now listed, got %+v", list)
	}

	reg.SetProviderEnabled("files", true)
	if _, err := reg.Resolve("file_read"); err != nil {
		t.Errorf("re-enabled provider should resolve: %v", err)
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(testCap("web_fetch", "web"))
	reg.Register(testCap("file_read", "files"))
	reg.Register(testCap("shell_exec", "shell"))

	list := reg.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("list not sorted: %s before %s", list[i-1].Name, list[i].Name)
		}
	}
}
