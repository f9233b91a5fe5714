package models

// Config represents the service configuration
type Config struct {
	// Server config
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	// OCR config (Baidu VAT OCR)
	OCR OCRConfig `yaml:"ocr"`

	// Invoice verification config (Aliyun market API)
	Verify VerifyConfig `yaml:"verify"`

	// AI config
	AI AIConfig `yaml:"ai"`

	// Knowledge base config
	KB KBConfig `yaml:"kb"`

	// Audit thresholds and windows
	Audit AuditConfig `yaml:"audit"`
}

// OCRConfig represents Baidu VAT OCR credentials and token cache location
type OCRConfig struct {
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	TokenCache string `yaml:"token_cache"` // default: /tmp/baidu_token.json
}

// VerifyConfig represents the Aliyun invoice verification endpoint
type VerifyConfig struct {
	AppCode        string `yaml:"app_code"`
	Host           string `yaml:"host"`            // default: https://fapiao.market.alicloudapi.com
	TimeoutSeconds int    `yaml:"timeout_seconds"` // default: 10
}

// AIConfig represents AI provider configuration
type AIConfig struct {
	// OpenAI
	OpenAI OpenAIConfig `yaml:"openai"`

	// Gemini
	Gemini GeminiConfig `yaml:"gemini"`

	// Default provider
	DefaultProvider string `yaml:"default_provider"` // "openai" or "gemini"
}

// OpenAIConfig for OpenAI-compatible endpoints
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"` // For custom endpoints
	Model   string `yaml:"model"`              // Default: "gpt-4"
}

// GeminiConfig for Google Gemini
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"` // Default: "gemini-pro"
}

// KBConfig represents the local knowledge base
type KBConfig struct {
	Path       string `yaml:"path"`        // directory of *.txt / *.md docs
	PublicBase string `yaml:"public_base"` // base URL for citation links, optional
}

// AuditConfig carries the classification and risk thresholds. All zero
// values are filled by Defaults.
type AuditConfig struct {
	// Classifier arbitration
	MinConfidence     float64 `yaml:"min_confidence"`      // below this the rule fallback kicks in
	StrongRuleScore   float64 `yaml:"strong_rule_score"`   // at or above: skip the classifier
	OverrideRuleScore float64 `yaml:"override_rule_score"` // at or above: override a disagreeing classifier
	FallbackRuleScore float64 `yaml:"fallback_rule_score"` // at or above: usable as fallback

	// Date windows in days
	SoftWindowDays int `yaml:"soft_window_days"` // verification guidance window
	HardWindowDays int `yaml:"hard_window_days"` // reimbursement period limit

	// Evidence cross-check
	EvidenceDateWindowDays  int    `yaml:"evidence_date_window_days"`
	EvidenceAmountTolerance string `yaml:"evidence_amount_tolerance"` // decimal string, e.g. "0.05"
}

// Defaults fills unset audit thresholds with the standard values.
func (c *AuditConfig) Defaults() {
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.75
	}
	if c.StrongRuleScore == 0 {
		c.StrongRuleScore = 2.2
	}
	if c.OverrideRuleScore == 0 {
		c.OverrideRuleScore = 2.5
	}
	if c.FallbackRuleScore == 0 {
		c.FallbackRuleScore = 1.0
	}
	if c.SoftWindowDays == 0 {
		c.SoftWindowDays = 90
	}
	if c.HardWindowDays == 0 {
		c.HardWindowDays = 180
	}
	if c.EvidenceDateWindowDays == 0 {
		c.EvidenceDateWindowDays = 90
	}
	if c.EvidenceAmountTolerance == "" {
		c.EvidenceAmountTolerance = "0.05"
	}
}

// Defaults fills unset config fields with workable defaults.
func (c *Config) Defaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.OCR.TokenCache == "" {
		c.OCR.TokenCache = "/tmp/baidu_token.json"
	}
	if c.Verify.Host == "" {
		c.Verify.Host = "https://fapiao.market.alicloudapi.com"
	}
	if c.Verify.TimeoutSeconds == 0 {
		c.Verify.TimeoutSeconds = 10
	}
	if c.AI.DefaultProvider == "" {
		c.AI.DefaultProvider = "openai"
	}
	if c.AI.OpenAI.Model == "" {
		c.AI.OpenAI.Model = "gpt-4"
	}
	if c.AI.Gemini.Model == "" {
		c.AI.Gemini.Model = "gemini-pro"
	}
	if c.KB.Path == "" {
		c.KB.Path = "./knowledge_base"
	}
	c.Audit.Defaults()
}
