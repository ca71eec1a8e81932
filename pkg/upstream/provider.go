package upstream

import (
	"fmt"
)

// Profile selects a provider and the credential it runs with
type Profile struct {
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// ProviderFactory creates providers. Every call returns a new client so
// concurrent sessions with different credentials never share one.
type ProviderFactory struct{}

// NewProvider creates a provider for the profile
func (f *ProviderFactory) NewProvider(profile Profile) (Provider, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("%s: empty api key", profile.Provider)
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

func emit(onEvent func(StreamEvent), ev StreamEvent) {
	if onEvent != nil {
		onEvent(ev)
	}
}

func fail(onEvent func(StreamEvent), err error) error {
	emit(onEvent, StreamEvent{Kind: EventError, Err: err, ErrKind: ClassifyError(err)})
	return err
}
