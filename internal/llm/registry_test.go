package llm

import (
	"context"
	"errors"
	"testing"
)

// fakeClient is a Client whose Ping result is controlled by the test.
type fakeClient struct {
	pingErr error
	models  []string
}

func (f *fakeClient) Chat(context.Context, string, []Message, []map[string]any) (*ChatResponse, error) {
	return &ChatResponse{Done: true}, nil
}

func (f *fakeClient) ChatStream(ctx context.Context, model string, msgs []Message, tools []map[string]any, cb StreamCallback) (*ChatResponse, error) {
	return f.Chat(ctx, model, msgs, tools)
}

func (f *fakeClient) Ping(context.Context) error { return f.pingErr }

func (f *fakeClient) ListModels(context.Context) ([]string, error) { return f.models, nil }

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("a", ProviderConfig{}, &fakeClient{}); err != nil {
		t.Fatalf("Register(a) = %v", err)
	}
	if err := r.Register("a", ProviderConfig{}, &fakeClient{}); err == nil {
		t.Error("duplicate Register(a) should fail")
	}
}

func TestSelectPinnedProviderUsedAsIs(t *testing.T) {
	r := NewRegistry(nil)
	// Pinned selection skips suitability checks entirely.
	r.Register("no-tools", ProviderConfig{Type: ProviderRemote}, &fakeClient{})

	id, _, err := r.Select(Requirements{ProviderID: "no-tools", RequiresTools: true})
	if err != nil {
		t.Fatalf("Select(pinned) = %v", err)
	}
	if id != "no-tools" {
		t.Errorf("selected %q, want no-tools", id)
	}

	if _, _, err := r.Select(Requirements{ProviderID: "ghost"}); err == nil {
		t.Error("Select() of unknown pinned provider should fail")
	}
}

func TestSelectPrefersDefault(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("local", ProviderConfig{Type: ProviderLocal, SupportsTools: true}, &fakeClient{})
	r.Register("remote", ProviderConfig{Type: ProviderRemote, SupportsTools: true}, &fakeClient{})
	r.SetDefault("remote")

	id, _, err := r.Select(Requirements{RequiresTools: true})
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}
	if id != "remote" {
		t.Errorf("selected %q, want the default remote", id)
	}
}

func TestSelectSkipsUnsuitableDefault(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("plain", ProviderConfig{Type: ProviderRemote}, &fakeClient{})
	r.Register("tooling", ProviderConfig{Type: ProviderRemote, SupportsTools: true}, &fakeClient{})
	r.SetDefault("plain")

	id, _, err := r.Select(Requirements{RequiresTools: true})
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}
	if id != "tooling" {
		t.Errorf("selected %q, want tooling (default lacks tool support)", id)
	}
}

func TestSelectPrefersLocalOverRemote(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("cloud", ProviderConfig{Type: ProviderRemote, SupportsTools: true}, &fakeClient{})
	r.Register("ollama", ProviderConfig{Type: ProviderLocal, SupportsTools: true}, &fakeClient{})

	id, _, err := r.Select(Requirements{RequiresTools: true})
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}
	if id != "ollama" {
		t.Errorf("selected %q, want the local provider", id)
	}
}

func TestSelectFallsBackToRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("first", ProviderConfig{Type: ProviderRemote, SupportsStreaming: true}, &fakeClient{})
	r.Register("second", ProviderConfig{Type: ProviderRemote, SupportsStreaming: true}, &fakeClient{})

	id, _, err := r.Select(Requirements{RequiresStreaming: true})
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}
	if id != "first" {
		t.Errorf("selected %q, want first by registration order", id)
	}
}

func TestSelectNoneAvailable(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("plain", ProviderConfig{Type: ProviderLocal}, &fakeClient{})

	_, _, err := r.Select(Requirements{RequiresTools: true})
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("Select() = %v, want ErrNoProvider", err)
	}
}

func TestProbeRefreshesStatus(t *testing.T) {
	r := NewRegistry(nil)
	fc := &fakeClient{models: []string{"llama3.2"}}
	r.Register("local", ProviderConfig{Type: ProviderLocal, SupportsTools: true}, fc)

	status, err := r.Probe(context.Background(), "local")
	if err != nil {
		t.Fatalf("Probe() = %v", err)
	}
	if !status.Available {
		t.Error("status.Available = false after successful ping")
	}
	if len(status.Models) != 1 || status.Models[0] != "llama3.2" {
		t.Errorf("status.Models = %v", status.Models)
	}
	if status.LastCheckedAt.IsZero() {
		t.Error("LastCheckedAt not set")
	}

	// A failed probe flips availability and records the error.
	fc.pingErr = errors.New("connection refused")
	status, err = r.Probe(context.Background(), "local")
	if err != nil {
		t.Fatalf("Probe() = %v", err)
	}
	if status.Available {
		t.Error("status.Available = true after failed ping")
	}
	if status.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestSelectSkipsKnownDownProviders(t *testing.T) {
	r := NewRegistry(nil)
	down := &fakeClient{pingErr: errors.New("refused")}
	r.Register("down-local", ProviderConfig{Type: ProviderLocal, SupportsTools: true}, down)
	r.Register("up-remote", ProviderConfig{Type: ProviderRemote, SupportsTools: true}, &fakeClient{})

	r.ProbeAll(context.Background())

	id, _, err := r.Select(Requirements{RequiresTools: true})
	if err != nil {
		t.Fatalf("Select() = %v", err)
	}
	if id != "up-remote" {
		t.Errorf("selected %q, want up-remote (local is known down)", id)
	}
}

func TestUnprobedProviderRemainsCandidate(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("fresh", ProviderConfig{Type: ProviderLocal}, &fakeClient{})

	if _, _, err := r.Select(Requirements{}); err != nil {
		t.Errorf("Select() of never-probed provider = %v, want success", err)
	}
}
