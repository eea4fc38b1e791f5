// Package llm turns the configured vendor blocks into a priority-ordered
// provider list and routes completions through it with retry and failover.
package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawd/internal/config"
)

// Wire protocols spoken by the gateway.
const (
	TypeOpenAICompat    = "openai_compat"
	TypeGoogleGemini    = "google_gemini"
	TypeAnthropicClaude = "anthropic_claude"
)

const (
	defaultTimeout        = 60 * time.Second
	defaultMaxConcurrency = 2
)

// Provider is one upstream LLM endpoint.
type Provider struct {
	Name           string // vendor key: openai, google, anthropic, grok
	Type           string // wire protocol
	BaseURL        string
	APIKey         string
	Model          string
	Priority       int
	Timeout        time.Duration
	MaxConcurrency int64
}

type vendorDefaults struct {
	typ      string
	baseURL  string
	model    string
	priority int
}

var vendorTable = map[string]vendorDefaults{
	"openai":    {TypeOpenAICompat, "https://api.openai.com/v1", "gpt-4o-mini", 1},
	"google":    {TypeGoogleGemini, "https://generativelanguage.googleapis.com/v1beta", "gemini-2.0-flash", 2},
	"anthropic": {TypeAnthropicClaude, "https://api.anthropic.com/v1", "claude-3-5-sonnet-latest", 3},
	"grok":      {TypeOpenAICompat, "https://api.x.ai/v1", "grok-2-latest", 4},
}

// ProvidersFromConfig synthesizes the provider list from the llm config
// section. Vendors without an API key are skipped. The selected vendor is
// moved to the front and, if set, selected_model overrides its model.
func ProvidersFromConfig(cfg config.LLMConfig) ([]Provider, error) {
	blocks := map[string]*config.VendorConfig{
		"openai":    cfg.OpenAI,
		"google":    cfg.Google,
		"anthropic": cfg.Anthropic,
		"grok":      cfg.Grok,
	}

	var providers []Provider
	for _, name := range []string{"openai", "google", "anthropic", "grok"} {
		block := blocks[name]
		if block == nil || strings.TrimSpace(block.APIKey) == "" {
			continue
		}
		def := vendorTable[name]
		p := Provider{
			Name:           name,
			Type:           def.typ,
			BaseURL:        strings.TrimRight(def.baseURL, "/"),
			APIKey:         strings.TrimSpace(block.APIKey),
			Model:          def.model,
			Priority:       def.priority,
			Timeout:        defaultTimeout,
			MaxConcurrency: defaultMaxConcurrency,
		}
		if v := strings.TrimSpace(block.BaseURL); v != "" {
			p.BaseURL = strings.TrimRight(v, "/")
		}
		if v := strings.TrimSpace(block.Model); v != "" {
			p.Model = v
		}
		if block.TimeoutSeconds > 0 {
			p.Timeout = time.Duration(block.TimeoutSeconds) * time.Second
		}
		if block.MaxConcurrency > 0 {
			p.MaxConcurrency = int64(block.MaxConcurrency)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no LLM vendor configured with an API key")
	}

	selected := strings.ToLower(strings.TrimSpace(cfg.SelectedVendor))
	if selected != "" {
		if _, ok := vendorTable[selected]; !ok {
			return nil, fmt.Errorf("unknown llm.selected_vendor %q", cfg.SelectedVendor)
		}
		found := false
		for i := range providers {
			if providers[i].Name == selected {
				providers[i].Priority = 0
				if v := strings.TrimSpace(cfg.SelectedModel); v != "" {
					providers[i].Model = v
				}
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("llm.selected_vendor %q has no API key configured", cfg.SelectedVendor)
		}
	}

	sortProviders(providers)
	return providers, nil
}

func sortProviders(ps []Provider) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].Priority < ps[j-1].Priority; j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}
