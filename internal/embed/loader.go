package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownProvider is returned for model ids with an unregistered prefix
var ErrUnknownProvider = errors.New("unknown embedding provider")

// OpenFunc opens the named model of one provider
type OpenFunc func(ctx context.Context, name string) (Model, error)

// ProviderLoader dispatches "<provider>:<name>" model ids to registered providers
type ProviderLoader struct {
	mu        sync.RWMutex
	providers map[string]OpenFunc
}

// NewLoader creates an empty ProviderLoader
func NewLoader() *ProviderLoader {
	return &ProviderLoader{providers: make(map[string]OpenFunc)}
}

// Register adds or replaces a provider
func (l *ProviderLoader) Register(provider string, open OpenFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.providers[provider] = open
}

// Load implements Loader
func (l *ProviderLoader) Load(ctx context.Context, modelID string) (Model, error) {
	provider, name, err := ParseModelID(modelID)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	open, ok := l.providers[provider]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return open(ctx, name)
}

// ParseModelID splits "<provider>:<name>"
func ParseModelID(modelID string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(modelID, ":")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("invalid model id %q (expected <provider>:<name>)", modelID)
	}
	return provider, name, nil
}
