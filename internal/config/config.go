package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Listen                string `yaml:"listen"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// TelegramConfig drives the outbound notifier for scheduled-job results and
// the admission allowlist seed. There is no inbound Telegram channel here;
// front-ends submit tasks over HTTP.
type TelegramConfig struct {
	BotToken  string  `yaml:"bot_token"`
	Admins    []int64 `yaml:"admins"`
	Allowlist []int64 `yaml:"allowlist"`
}

type DatabaseConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type WorkerConfig struct {
	Concurrency        int `yaml:"concurrency"`
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	PollIntervalMS     int `yaml:"poll_interval_ms"`
	QueueLimit         int `yaml:"queue_limit"`
}

// VendorConfig is one LLM vendor block. Vendors are synthesized into a
// priority-ordered provider list at startup.
type VendorConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

type LLMConfig struct {
	SelectedVendor string        `yaml:"selected_vendor"`
	SelectedModel  string        `yaml:"selected_model"`
	OpenAI         *VendorConfig `yaml:"openai"`
	Google         *VendorConfig `yaml:"google"`
	Anthropic      *VendorConfig `yaml:"anthropic"`
	Grok           *VendorConfig `yaml:"grok"`
}

type SkillsConfig struct {
	SkillTimeoutSeconds int      `yaml:"skill_timeout_seconds"`
	SkillMaxConcurrency int      `yaml:"skill_max_concurrency"`
	SkillRunnerPath     string   `yaml:"skill_runner_path"`
	SkillsList          []string `yaml:"skills_list"`
}

type LimitsConfig struct {
	GlobalRPM int `yaml:"global_rpm"`
	UserRPM   int `yaml:"user_rpm"`
}

type MaintenanceConfig struct {
	// Cron is a robfig/cron spec for the cleanup cadence, e.g. "@every 1h".
	Cron               string `yaml:"cron"`
	TasksRetentionDays int    `yaml:"tasks_retention_days"`
	TasksMaxRows       int    `yaml:"tasks_max_rows"`
	AuditRetentionDays int    `yaml:"audit_retention_days"`
	AuditMaxRows       int    `yaml:"audit_max_rows"`
}

type MemoryConfig struct {
	Enabled                  bool `yaml:"enabled"`
	ItemMaxChars             int  `yaml:"item_max_chars"`
	MinItemChars             int  `yaml:"min_item_chars"`
	RecallLimit              int  `yaml:"recall_limit"`
	PromptRecallLimit        int  `yaml:"prompt_recall_limit"`
	PreferenceRecallLimit    int  `yaml:"preference_recall_limit"`
	MaxRows                  int  `yaml:"max_rows"`
	RetentionDays            int  `yaml:"retention_days"`
	ContextMaxChars          int  `yaml:"context_max_chars"`
	MarkLLMReplyInShortTerm  bool `yaml:"mark_llm_reply_in_short_term"`
	PreferLLMAssistantMemory bool `yaml:"prefer_llm_assistant_memory"`

	RouteMemoryEnabled  bool `yaml:"route_memory_enabled"`
	RouteMemoryMaxChars int  `yaml:"route_memory_max_chars"`

	ScheduleMemoryIncludeLongTerm    bool `yaml:"schedule_memory_include_long_term"`
	ScheduleMemoryIncludePreferences bool `yaml:"schedule_memory_include_preferences"`
	ScheduleMemoryMaxChars           int  `yaml:"schedule_memory_max_chars"`

	WriteFilterEnabled         bool    `yaml:"write_filter_enabled"`
	EnablePreferenceExtraction bool    `yaml:"enable_preference_extraction"`
	SafetyFilterEnabled        bool    `yaml:"safety_filter_enabled"`
	RecentRelevanceEnabled     bool    `yaml:"recent_relevance_enabled"`
	RecentRelevanceMinScore    float64 `yaml:"recent_relevance_min_score"`

	LongTermEnabled               bool    `yaml:"long_term_enabled"`
	LongTermEveryRounds           int     `yaml:"long_term_every_rounds"`
	LongTermSourceRounds          int     `yaml:"long_term_source_rounds"`
	LongTermSummaryMaxChars       int     `yaml:"long_term_summary_max_chars"`
	LongTermRecallMaxChars        int     `yaml:"long_term_recall_max_chars"`
	LongTermRefreshMinNewChars    int     `yaml:"long_term_refresh_min_new_chars"`
	LongTermRefreshMaxRepeatRatio float64 `yaml:"long_term_refresh_max_repeat_ratio"`
	LongTermMaxRows               int     `yaml:"long_term_max_rows"`
	LongTermRetentionDays         int     `yaml:"long_term_retention_days"`

	SkillMemoryEnabled  bool `yaml:"skill_memory_enabled"`
	SkillMemoryMaxChars int  `yaml:"skill_memory_max_chars"`

	ImageMemoryIncludeLongTerm    bool `yaml:"image_memory_include_long_term"`
	ImageMemoryIncludePreferences bool `yaml:"image_memory_include_preferences"`
	ImageMemoryMaxChars           int  `yaml:"image_memory_max_chars"`

	Rules MemoryRules `yaml:"rules"`
}

// MemoryRules holds the marker lists the memory write path matches against.
// Matching is case-insensitive substring.
type MemoryRules struct {
	InstructionMarkers   []string `yaml:"instruction_markers"`
	InjectionMarkers     []string `yaml:"injection_markers"`
	SalienceBoostMarkers []string `yaml:"salience_boost_markers"`
	AssistantAckSkip     []string `yaml:"assistant_ack_skip"`
	LanguageZH           []string `yaml:"language_zh"`
	LanguageEN           []string `yaml:"language_en"`
	StyleConcise         []string `yaml:"style_concise"`
	StyleDetailed        []string `yaml:"style_detailed"`
	FormatPlainText      []string `yaml:"format_plain_text"`
}

type ProviderScopedPolicy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type ToolsConfig struct {
	Profile                   string                          `yaml:"profile"`
	Allow                     []string                        `yaml:"allow"`
	Deny                      []string                        `yaml:"deny"`
	ByProvider                map[string]ProviderScopedPolicy `yaml:"by_provider"`
	CmdTimeoutSeconds         int                             `yaml:"cmd_timeout_seconds"`
	MaxCmdLength              int                             `yaml:"max_cmd_length"`
	AllowPathOutsideWorkspace bool                            `yaml:"allow_path_outside_workspace"`
	AllowSudo                 bool                            `yaml:"allow_sudo"`
}

// ImageSkillConfig applies to the image_generation, image_edit and
// image_vision sections. Only the output dir is consumed by the core; the
// rest is passed through to the skill subprocess.
type ImageSkillConfig struct {
	DefaultOutputDir string `yaml:"default_output_dir"`
	DefaultVendor    string `yaml:"default_vendor"`
	DefaultModel     string `yaml:"default_model"`
	MaxImages        int    `yaml:"max_images"`
	MaxInputBytes    int    `yaml:"max_input_bytes"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	MaxConcurrency   int    `yaml:"max_concurrency"`
}

type FileGenerationConfig struct {
	DefaultOutputDir string `yaml:"default_output_dir"`
}

type RoutingConfig struct {
	DebugLogPrompt bool `yaml:"debug_log_prompt"`
}

type ScheduleConfig struct {
	Timezone         string `yaml:"timezone"`
	Locale           string `yaml:"locale"`
	I18nDir          string `yaml:"i18n_dir"`
	IntentPromptPath string `yaml:"intent_prompt_path"`
	IntentRulesPath  string `yaml:"intent_rules_path"`

	// Loaded from the paths above; not yaml fields.
	IntentPromptTemplate string `yaml:"-"`
	IntentRulesTemplate  string `yaml:"-"`
}

type PersonaConfig struct {
	Profile    string `yaml:"profile"`
	PromptPath string `yaml:"prompt_path"`

	Prompt string `yaml:"-"`
}

type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	StdoutExporter bool `yaml:"stdout_exporter"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel      string `yaml:"log_level"`
	LogJSON       bool   `yaml:"log_json"`
	Quiet         bool   `yaml:"quiet"`
	WorkspaceRoot string `yaml:"workspace_root"`

	Server         ServerConfig         `yaml:"server"`
	Telegram       TelegramConfig       `yaml:"telegram"`
	Database       DatabaseConfig       `yaml:"database"`
	Worker         WorkerConfig         `yaml:"worker"`
	LLM            LLMConfig            `yaml:"llm"`
	Skills         SkillsConfig         `yaml:"skills"`
	Limits         LimitsConfig         `yaml:"limits"`
	Maintenance    MaintenanceConfig    `yaml:"maintenance"`
	Memory         MemoryConfig         `yaml:"memory"`
	Tools          ToolsConfig          `yaml:"tools"`
	ImageVision    ImageSkillConfig     `yaml:"image_vision"`
	ImageGen       ImageSkillConfig     `yaml:"image_generation"`
	ImageEdit      ImageSkillConfig     `yaml:"image_edit"`
	FileGeneration FileGenerationConfig `yaml:"file_generation"`
	Routing        RoutingConfig        `yaml:"routing"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	Persona        PersonaConfig        `yaml:"persona"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Listen:                "127.0.0.1:8087",
			RequestTimeoutSeconds: 30,
		},
		Database: DatabaseConfig{
			SQLitePath:    "", // resolved under HomeDir in normalize
			BusyTimeoutMS: 5000,
		},
		Worker: WorkerConfig{
			Concurrency:        1,
			TaskTimeoutSeconds: 600,
			PollIntervalMS:     200,
			QueueLimit:         64,
		},
		Skills: SkillsConfig{
			SkillTimeoutSeconds: 60,
			SkillMaxConcurrency: 2,
			SkillsList: []string{
				"fs_search", "package_manager", "install_module", "process_basic",
				"archive_basic", "db_basic", "docker_basic", "rss_fetch",
				"image_vision", "image_generate", "image_edit",
				"git_basic", "http_basic", "system_basic",
				"audio_transcribe", "audio_synthesize",
			},
		},
		Limits: LimitsConfig{
			GlobalRPM: 60,
			UserRPM:   12,
		},
		Maintenance: MaintenanceConfig{
			Cron:               "@every 1h",
			TasksRetentionDays: 14,
			TasksMaxRows:       5000,
			AuditRetentionDays: 30,
			AuditMaxRows:       20000,
		},
		Memory: MemoryConfig{
			Enabled:                  true,
			ItemMaxChars:             2000,
			MinItemChars:             6,
			RecallLimit:              12,
			MaxRows:                  20000,
			RetentionDays:            30,
			ContextMaxChars:          2400,
			PromptRecallLimit:        8,
			PreferenceRecallLimit:    6,
			MarkLLMReplyInShortTerm:  true,
			PreferLLMAssistantMemory: true,

			RouteMemoryEnabled:  true,
			RouteMemoryMaxChars: 1200,

			ScheduleMemoryIncludeLongTerm:    true,
			ScheduleMemoryIncludePreferences: true,
			ScheduleMemoryMaxChars:           1200,

			WriteFilterEnabled:         true,
			EnablePreferenceExtraction: true,
			SafetyFilterEnabled:        true,
			RecentRelevanceEnabled:     true,
			RecentRelevanceMinScore:    0.2,

			LongTermEnabled:               true,
			LongTermEveryRounds:           6,
			LongTermSourceRounds:          12,
			LongTermSummaryMaxChars:       1200,
			LongTermRecallMaxChars:        800,
			LongTermRefreshMinNewChars:    120,
			LongTermRefreshMaxRepeatRatio: 0.6,
			LongTermMaxRows:               2000,
			LongTermRetentionDays:         180,

			SkillMemoryEnabled:  true,
			SkillMemoryMaxChars: 768,

			ImageMemoryIncludeLongTerm:    true,
			ImageMemoryIncludePreferences: true,
			ImageMemoryMaxChars:           1200,

			Rules: MemoryRules{
				InstructionMarkers: []string{
					"always", "never", "from now on", "以后", "默认", "必须", "不要",
				},
				InjectionMarkers: []string{
					"ignore previous instructions", "ignore all previous", "system prompt",
					"developer message", "忽略之前的指令", "你现在是",
				},
				SalienceBoostMarkers: []string{
					"remember", "important", "preference", "记住", "重要",
				},
				AssistantAckSkip: []string{
					"ok", "okay", "done", "好的", "收到", "完成",
				},
				LanguageZH: []string{
					"用中文", "说中文", "中文回复", "reply in chinese", "answer in chinese",
				},
				LanguageEN: []string{
					"用英文", "说英文", "reply in english", "answer in english", "respond in english",
				},
				StyleConcise: []string{
					"简洁", "简短", "be concise", "keep it short", "简单点",
				},
				StyleDetailed: []string{
					"详细", "详尽", "be detailed", "in detail", "展开讲",
				},
				FormatPlainText: []string{
					"纯文本", "不要markdown", "no markdown", "plain text",
				},
			},
		},
		Tools: ToolsConfig{
			Profile:           "full",
			CmdTimeoutSeconds: 60,
			MaxCmdLength:      2048,
		},
		Schedule: ScheduleConfig{
			Timezone: "UTC",
			Locale:   "en-US",
			I18nDir:  "configs/i18n",
		},
		Persona: PersonaConfig{
			Profile: "default",
		},
	}
}

// HomeDir returns the clawd home directory, honoring the CLAWD_HOME override.
func HomeDir() string {
	if override := os.Getenv("CLAWD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawd")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml on top of defaults, applies env
// overrides, loads the persona/schedule text files, normalizes and validates.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWD_LISTEN"); raw != "" {
		cfg.Server.Listen = raw
	}
	if raw := os.Getenv("CLAWD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWD_SQLITE_PATH"); raw != "" {
		cfg.Database.SQLitePath = raw
	}
	if raw := os.Getenv("CLAWD_WORKSPACE_ROOT"); raw != "" {
		cfg.WorkspaceRoot = raw
	}
	if raw := os.Getenv("CLAWD_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CLAWD_QUEUE_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.QueueLimit = v
		}
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.BotToken = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		if cfg.LLM.OpenAI == nil {
			cfg.LLM.OpenAI = &VendorConfig{}
		}
		if cfg.LLM.OpenAI.APIKey == "" {
			cfg.LLM.OpenAI.APIKey = raw
		}
	}
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" {
		if cfg.LLM.Google == nil {
			cfg.LLM.Google = &VendorConfig{}
		}
		if cfg.LLM.Google.APIKey == "" {
			cfg.LLM.Google.APIKey = raw
		}
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		if cfg.LLM.Anthropic == nil {
			cfg.LLM.Anthropic = &VendorConfig{}
		}
		if cfg.LLM.Anthropic.APIKey == "" {
			cfg.LLM.Anthropic.APIKey = raw
		}
	}
}

func loadTextFiles(cfg *Config) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(cfg.HomeDir, p)
	}

	personaPath := cfg.Persona.PromptPath
	if personaPath == "" {
		personaPath = "PERSONA.md"
	}
	if b, err := os.ReadFile(resolve(personaPath)); err == nil {
		cfg.Persona.Prompt = string(b)
	}

	if b, err := os.ReadFile(resolve(cfg.Schedule.IntentPromptPath)); err == nil {
		cfg.Schedule.IntentPromptTemplate = string(b)
	}
	if b, err := os.ReadFile(resolve(cfg.Schedule.IntentRulesPath)); err == nil {
		cfg.Schedule.IntentRulesTemplate = string(b)
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8087"
	}
	if cfg.Server.RequestTimeoutSeconds <= 0 {
		cfg.Server.RequestTimeoutSeconds = 30
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = filepath.Join(cfg.HomeDir, "clawd.db")
	}
	if cfg.Database.BusyTimeoutMS <= 0 {
		cfg.Database.BusyTimeoutMS = 5000
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.TaskTimeoutSeconds <= 0 {
		cfg.Worker.TaskTimeoutSeconds = 600
	}
	if cfg.Worker.PollIntervalMS < 10 {
		cfg.Worker.PollIntervalMS = 10
	}
	if cfg.Worker.QueueLimit <= 0 {
		cfg.Worker.QueueLimit = 64
	}
	if cfg.Skills.SkillTimeoutSeconds <= 0 {
		cfg.Skills.SkillTimeoutSeconds = 60
	}
	if cfg.Skills.SkillMaxConcurrency <= 0 {
		cfg.Skills.SkillMaxConcurrency = 1
	}
	if cfg.Limits.GlobalRPM <= 0 {
		cfg.Limits.GlobalRPM = 60
	}
	if cfg.Limits.UserRPM <= 0 {
		cfg.Limits.UserRPM = 12
	}
	if cfg.Maintenance.Cron == "" {
		cfg.Maintenance.Cron = "@every 1h"
	}
	if cfg.Memory.ItemMaxChars <= 0 {
		cfg.Memory.ItemMaxChars = 2000
	}
	if cfg.Memory.RecallLimit <= 0 {
		cfg.Memory.RecallLimit = 12
	}
	if cfg.Memory.LongTermEveryRounds <= 0 {
		cfg.Memory.LongTermEveryRounds = 6
	}
	if cfg.Memory.LongTermSummaryMaxChars <= 0 {
		cfg.Memory.LongTermSummaryMaxChars = 1200
	}
	if cfg.Memory.PromptRecallLimit <= 0 {
		cfg.Memory.PromptRecallLimit = 8
	}
	if cfg.Memory.PreferenceRecallLimit <= 0 {
		cfg.Memory.PreferenceRecallLimit = 6
	}
	if cfg.Memory.ContextMaxChars <= 0 {
		cfg.Memory.ContextMaxChars = 2400
	}
	if cfg.Memory.LongTermSourceRounds <= 0 {
		cfg.Memory.LongTermSourceRounds = 12
	}
	if cfg.Memory.LongTermRecallMaxChars <= 0 {
		cfg.Memory.LongTermRecallMaxChars = 800
	}
	if cfg.Memory.LongTermRefreshMinNewChars <= 0 {
		cfg.Memory.LongTermRefreshMinNewChars = 120
	}
	if cfg.Memory.LongTermRefreshMaxRepeatRatio <= 0 {
		cfg.Memory.LongTermRefreshMaxRepeatRatio = 0.6
	}
	if cfg.Memory.RecentRelevanceMinScore <= 0 {
		cfg.Memory.RecentRelevanceMinScore = 0.2
	}
	if cfg.Memory.RouteMemoryMaxChars <= 0 {
		cfg.Memory.RouteMemoryMaxChars = 1200
	}
	if cfg.Memory.ScheduleMemoryMaxChars <= 0 {
		cfg.Memory.ScheduleMemoryMaxChars = 1200
	}
	if cfg.Memory.ImageMemoryMaxChars <= 0 {
		cfg.Memory.ImageMemoryMaxChars = 1200
	}
	if cfg.Tools.Profile == "" {
		cfg.Tools.Profile = "full"
	}
	cfg.Tools.Profile = strings.ToLower(strings.TrimSpace(cfg.Tools.Profile))
	if cfg.Tools.CmdTimeoutSeconds <= 0 {
		cfg.Tools.CmdTimeoutSeconds = 60
	}
	if cfg.Tools.MaxCmdLength < 16 {
		cfg.Tools.MaxCmdLength = 16
	}
	if cfg.Schedule.Timezone == "" {
		cfg.Schedule.Timezone = "UTC"
	}
	if strings.TrimSpace(cfg.Schedule.Locale) == "" {
		cfg.Schedule.Locale = "en-US"
	}
	if strings.TrimSpace(cfg.Schedule.I18nDir) == "" {
		cfg.Schedule.I18nDir = "configs/i18n"
	}
}

func validate(cfg *Config) error {
	switch cfg.Tools.Profile {
	case "full", "coding", "minimal", "messaging":
	default:
		return fmt.Errorf("invalid tools.profile=%q, allowed: full|coding|minimal|messaging", cfg.Tools.Profile)
	}
	for _, p := range append(append([]string{}, cfg.Tools.Allow...), cfg.Tools.Deny...) {
		p = strings.TrimSpace(p)
		if p == "" || p == "*" || strings.HasPrefix(p, "tool:") || strings.HasPrefix(p, "skill:") {
			continue
		}
		return fmt.Errorf("invalid tools pattern %q; expected '*' or prefix 'tool:'/'skill:'", p)
	}
	for key := range cfg.Tools.ByProvider {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("tools.by_provider contains empty key")
		}
	}
	return nil
}

// Fingerprint summarizes the loaded config for change detection in logs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "listen=%s|db=%s|queue=%d|timeout=%d|profile=%s|vendor=%s|tz=%s",
		c.Server.Listen, c.Database.SQLitePath, c.Worker.QueueLimit,
		c.Worker.TaskTimeoutSeconds, c.Tools.Profile, c.LLM.SelectedVendor,
		c.Schedule.Timezone)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ImageOutputDir returns the configured output directory for an image skill
// section, defaulting to "document".
func (c Config) ImageOutputDir(section string) string {
	var dir string
	switch section {
	case "image_edit":
		dir = c.ImageEdit.DefaultOutputDir
	case "image_generation":
		dir = c.ImageGen.DefaultOutputDir
	case "file_generation":
		dir = c.FileGeneration.DefaultOutputDir
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "document"
	}
	return dir
}
