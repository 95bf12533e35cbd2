package provider

import (
	"agentd/internal/apperrors"
	"agentd/internal/config"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"missing id", Config{Command: "claude"}, "id"},
		{"missing command", Config{ID: "a"}, "command"},
		{"unknown type", Config{ID: "a", Command: "claude", Type: "ssh"}, "type"},
		{"docker without image", Config{ID: "a", Command: "claude", Type: TypeDocker}, "image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("New() error = %v, want validation error", err)
			}
			var appErr *apperrors.Error
			if errors.As(err, &appErr) && appErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.field)
			}
		})
	}
}

func TestNew_Variants(t *testing.T) {
	t.Parallel()

	p, err := New(Config{ID: "claude", Command: "claude"})
	if err != nil {
		t.Fatalf("New(cli) error = %v", err)
	}
	if _, ok := p.(*CLI); !ok {
		t.Errorf("New(cli) = %T, want *CLI", p)
	}

	p, err = New(Config{ID: "boxed", Type: TypeDocker, Command: "claude", Image: "agent:latest"})
	if err != nil {
		t.Fatalf("New(docker) error = %v", err)
	}
	d, ok := p.(*Docker)
	if !ok {
		t.Fatalf("New(docker) = %T, want *Docker", p)
	}
	_ = d.Close()
}

func TestRegistry_Lookup(t *testing.T) {
	t.Parallel()

	off := false
	r, err := NewRegistry([]Config{
		{ID: "claude", Command: "claude"},
		{ID: "codex", Command: "codex", Enabled: &off},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	defer r.Close()

	if p, err := r.Lookup("claude"); err != nil || p.ID() != "claude" {
		t.Errorf("Lookup(claude) = %v, %v", p, err)
	}

	_, err = r.Lookup("codex")
	if !errors.Is(err, apperrors.ErrUnavailable) || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("Lookup(disabled) error = %v", err)
	}

	_, err = r.Lookup("gemini")
	if !errors.Is(err, apperrors.ErrUnavailable) || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("Lookup(missing) error = %v", err)
	}

	if !r.HasProvider("codex") || r.HasProvider("gemini") {
		t.Error("HasProvider() should report declared providers, enabled or not")
	}
}

func TestRegistry_DuplicateID(t *testing.T) {
	t.Parallel()
	_, err := NewRegistry([]Config{{ID: "a", Command: "x"}, {ID: "a", Command: "y"}})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("NewRegistry() error = %v, want validation error", err)
	}
}

func TestRegistry_RegisterAndInfos(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	fake := NewFake("zeta", nil)
	fake.SetUnavailable("maintenance")
	r.Register(fake)
	r.Register(NewFake("alpha", nil))

	infos := r.Infos(context.Background())
	if len(infos) != 2 || infos[0].ID != "alpha" || infos[1].ID != "zeta" {
		t.Fatalf("Infos() = %+v", infos)
	}
	if infos[1].Available || infos[1].Reason != "maintenance" {
		t.Errorf("Infos()[1] = %+v", infos[1])
	}
	if _, err := r.Lookup("zeta"); err != nil {
		t.Errorf("Lookup(registered) error = %v", err)
	}
}

func TestConfig_DecodeYAML(t *testing.T) {
	t.Parallel()

	data := []byte(`
- id: claude
  command: claude
  args: ["-p", "{{prompt}}", "--output-format", "stream-json", "--verbose"]
  sessionArgs: ["--resume", "{{session}}"]
  stopGrace: 20s
  dailyCostUsd: 25
- id: boxed
  type: docker
  command: claude
  image: ghcr.io/example/agent:latest
  enabled: false
`)
	var cfgs []Config
	if err := config.DecodeYAML(data, &cfgs); err != nil {
		t.Fatalf("DecodeYAML() error = %v", err)
	}
	if len(cfgs) != 2 {
		t.Fatalf("decoded %d providers", len(cfgs))
	}
	if cfgs[0].StopGrace != 20*time.Second || cfgs[0].DailyCostUSD != 25 {
		t.Errorf("cfgs[0] = %+v", cfgs[0])
	}
	if cfgs[1].IsEnabled() || cfgs[1].Type != TypeDocker {
		t.Errorf("cfgs[1] = %+v", cfgs[1])
	}
}
