package policy_test

import (
	"testing"

	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/policy"
)

func mustPolicy(t *testing.T, cfg config.ToolsConfig) policy.Policy {
	t.Helper()
	p, err := policy.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	return p
}

func TestFullProfileAllowsEverything(t *testing.T) {
	p := mustPolicy(t, config.ToolsConfig{Profile: "full"})
	for _, token := range []string{"tool:run_cmd", "tool:read_file", "skill:http_basic", "skill:image_generate"} {
		if !p.Allow(token, "") {
			t.Fatalf("full profile denied %s", token)
		}
	}
}

func TestMinimalProfile(t *testing.T) {
	p := mustPolicy(t, config.ToolsConfig{Profile: "minimal"})
	allowed := []string{"tool:read_file", "tool:list_dir", "skill:system_basic"}
	for _, token := range allowed {
		if !p.Allow(token, "") {
			t.Fatalf("minimal profile denied %s", token)
		}
	}
	denied := []string{"tool:write_file", "tool:run_cmd", "skill:http_basic", "skill:git_basic"}
	for _, token := range denied {
		if p.Allow(token, "") {
			t.Fatalf("minimal profile allowed %s", token)
		}
	}
}

func TestCodingProfileAllowsToolsAndCodingSkills(t *testing.T) {
	p := mustPolicy(t, config.ToolsConfig{Profile: "coding"})
	if !p.Allow("tool:run_cmd", "") || !p.Allow("skill:git_basic", "") {
		t.Fatalf("coding profile denied expected tokens")
	}
	if p.Allow("skill:audio_transcribe", "") {
		t.Fatalf("coding profile allowed audio skill")
	}
}

func TestDenyWinsOverProfile(t *testing.T) {
	p := mustPolicy(t, config.ToolsConfig{
		Profile: "full",
		Deny:    []string{"tool:run_cmd"},
	})
	if p.Allow("tool:run_cmd", "") {
		t.Fatalf("deny did not win")
	}
	if !p.Allow("tool:read_file", "") {
		t.Fatalf("unrelated token denied")
	}
}

func TestExplicitAllowReplacesDefaults(t *testing.T) {
	p := mustPolicy(t, config.ToolsConfig{
		Profile: "full",
		Allow:   []string{"tool:read_file"},
	})
	if !p.Allow("tool:read_file", "") {
		t.Fatalf("allowed token denied")
	}
	if p.Allow("tool:run_cmd", "") {
		t.Fatalf("allow list did not replace defaults")
	}
}

func TestWildcardPatterns(t *testing.T) {
	p := mustPolicy(t, config.ToolsConfig{
		Profile: "messaging",
		Allow:   []string{"skill:image_*"},
	})
	if !p.Allow("skill:image_generate", "") || !p.Allow("skill:image_vision", "") {
		t.Fatalf("wildcard allow failed")
	}
	if p.Allow("skill:http_basic", "") {
		t.Fatalf("wildcard matched unrelated token")
	}
}

func TestProviderScopedDeny(t *testing.T) {
	p := mustPolicy(t, config.ToolsConfig{
		Profile: "full",
		ByProvider: map[string]config.ProviderScopedPolicy{
			"google": {Deny: []string{"tool:run_cmd"}},
		},
	})
	// The scope key "google" also covers the wire type google_gemini.
	if p.Allow("tool:run_cmd", "google_gemini") {
		t.Fatalf("provider-scoped deny ignored")
	}
	if !p.Allow("tool:run_cmd", "openai_compat") {
		t.Fatalf("scope leaked to other provider")
	}
	if !p.Allow("tool:read_file", "google_gemini") {
		t.Fatalf("unrelated token denied for scoped provider")
	}
}

func TestProviderScopedAllowTightens(t *testing.T) {
	p := mustPolicy(t, config.ToolsConfig{
		Profile: "full",
		ByProvider: map[string]config.ProviderScopedPolicy{
			"anthropic": {Allow: []string{"tool:*"}},
		},
	})
	if !p.Allow("tool:run_cmd", "anthropic_claude") {
		t.Fatalf("scoped allow denied tool")
	}
	if p.Allow("skill:http_basic", "anthropic_claude") {
		t.Fatalf("scoped allow did not tighten skills")
	}
}

func TestInvalidProfileRejected(t *testing.T) {
	if _, err := policy.FromConfig(config.ToolsConfig{Profile: "superuser"}); err == nil {
		t.Fatalf("expected error for bad profile")
	}
}

func TestInvalidPatternRejected(t *testing.T) {
	if _, err := policy.FromConfig(config.ToolsConfig{Profile: "full", Allow: []string{"cmd:rm"}}); err == nil {
		t.Fatalf("expected error for bad pattern")
	}
}

func TestPolicyVersionTracksContent(t *testing.T) {
	a := mustPolicy(t, config.ToolsConfig{Profile: "full"})
	b := mustPolicy(t, config.ToolsConfig{Profile: "full", Deny: []string{"tool:run_cmd"}})
	if a.PolicyVersion() == b.PolicyVersion() {
		t.Fatalf("distinct policies share a version")
	}
	if a.PolicyVersion() != mustPolicy(t, config.ToolsConfig{Profile: "full"}).PolicyVersion() {
		t.Fatalf("identical policies differ in version")
	}
}

func TestLivePolicyReplace(t *testing.T) {
	lp := policy.NewLivePolicy(mustPolicy(t, config.ToolsConfig{Profile: "full"}))
	if !lp.Allow("tool:run_cmd", "") {
		t.Fatalf("initial policy denied run_cmd")
	}
	lp.Replace(mustPolicy(t, config.ToolsConfig{Profile: "minimal"}))
	if lp.Allow("tool:run_cmd", "") {
		t.Fatalf("replacement not applied")
	}
	if !lp.Allow("tool:read_file", "") {
		t.Fatalf("replacement over-restricted")
	}
}
