package embed

import (
	"context"
	"errors"
	"testing"
)

func TestProviderLoader(t *testing.T) {
	l := NewLoader()
	var gotName string
	l.Register("hash", func(ctx context.Context, name string) (Model, error) {
		gotName = name
		return newFakeModel("hash:" + name), nil
	})

	m, err := l.Load(context.Background(), "hash:384")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if gotName != "384" || m.ID() != "hash:384" {
		t.Errorf("dispatched name %q, model %q", gotName, m.ID())
	}

	if _, err := l.Load(context.Background(), "onnx:minilm"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Load() error = %v, want ErrUnknownProvider", err)
	}
}

func TestParseModelID(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		name     string
		wantErr  bool
	}{
		{"hash:384", "hash", "384", false},
		{"ollama:nomic-embed-text:latest", "ollama", "nomic-embed-text:latest", false},
		{"minilm", "", "", true},
		{":384", "", "", true},
		{"hash:", "", "", true},
	}
	for _, tt := range tests {
		p, n, err := ParseModelID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseModelID(%q) error = %v", tt.in, err)
			continue
		}
		if p != tt.provider || n != tt.name {
			t.Errorf("ParseModelID(%q) = %q, %q", tt.in, p, n)
		}
	}
}
