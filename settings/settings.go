// Package settings loads engine configuration from an optional YAML file
// overlaid with NERVEMIND_* environment variables. Environment values win so
// deployments can override a checked-in file without editing it.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Settings is the engine configuration.
	Settings struct {
		// Workers bounds the scheduler's concurrent executor pool.
		Workers int `yaml:"workers"`
		// GraceMs bounds the cancellation grace window in milliseconds.
		GraceMs int `yaml:"graceMs"`
		// DefaultTimeoutMs bounds executions whose workflow settings carry
		// no timeout. Zero means no engine-level deadline.
		DefaultTimeoutMs int `yaml:"defaultTimeoutMs"`

		// Log configures the execution logger.
		Log Log `yaml:"log"`
		// Mongo configures the durable stores. Empty URI keeps everything
		// in memory.
		Mongo Mongo `yaml:"mongo"`
		// Redis configures the Pulse log stream transport. Empty address
		// disables streaming.
		Redis Redis `yaml:"redis"`
		// Providers holds model provider credentials.
		Providers Providers `yaml:"providers"`
		// BlockedCommands extends the command executor's denylist.
		BlockedCommands []string `yaml:"blockedCommands"`
	}

	// Log configures the execution logger.
	Log struct {
		// Level is the minimum emitted level: trace, debug, info, warn,
		// error or fatal.
		Level string `yaml:"level"`
		// IncludeContext attaches structured context maps to records.
		IncludeContext bool `yaml:"includeContext"`
	}

	// Mongo configures the Mongo-backed stores.
	Mongo struct {
		// URI is the connection string, e.g. mongodb://localhost:27017.
		URI string `yaml:"uri"`
		// Database names the database. Empty uses the store default.
		Database string `yaml:"database"`
	}

	// Redis configures the Pulse stream transport.
	Redis struct {
		// Addr is the host:port of the Redis server.
		Addr string `yaml:"addr"`
		// Password authenticates the connection when set.
		Password string `yaml:"password"`
	}

	// Providers holds model provider credentials and endpoints.
	Providers struct {
		// OpenAIKey authenticates against the OpenAI API.
		OpenAIKey string `yaml:"openaiKey"`
		// AnthropicKey authenticates against the Anthropic API.
		AnthropicKey string `yaml:"anthropicKey"`
		// OllamaURL points at a local Ollama daemon. Empty uses the
		// adapter default.
		OllamaURL string `yaml:"ollamaUrl"`
		// AzureOpenAIKey authenticates against an Azure OpenAI deployment.
		AzureOpenAIKey string `yaml:"azureOpenaiKey"`
		// AzureOpenAIEndpoint is the Azure resource endpoint, e.g.
		// https://myresource.openai.azure.com. Required alongside the key.
		AzureOpenAIEndpoint string `yaml:"azureOpenaiEndpoint"`
		// BedrockRegion enables the AWS Bedrock provider in that region.
		BedrockRegion string `yaml:"bedrockRegion"`
		// BedrockModel is the Bedrock model id used when a node does not
		// name one. Required alongside the region.
		BedrockModel string `yaml:"bedrockModel"`
		// AWSAccessKeyID and AWSSecretAccessKey sign Bedrock requests.
		// Empty values fall back to whatever the embedder wires in.
		AWSAccessKeyID     string `yaml:"awsAccessKeyId"`
		AWSSecretAccessKey string `yaml:"awsSecretAccessKey"`
		// AWSSessionToken is set for temporary credentials.
		AWSSessionToken string `yaml:"awsSessionToken"`
	}
)

// Defaults returns the settings used when no file and no environment
// overrides are present.
func Defaults() Settings {
	return Settings{
		Workers: 4,
		GraceMs: 5000,
		Log:     Log{Level: "info", IncludeContext: true},
	}
}

// Load reads the YAML file at path (when non-empty) over Defaults, then
// applies environment overrides. A missing file at an explicitly given path
// is an error; path "" skips the file step.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse settings file %s: %w", path, err)
		}
	}
	s.applyEnv()
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Grace returns the cancellation grace window.
func (s Settings) Grace() time.Duration {
	return time.Duration(s.GraceMs) * time.Millisecond
}

// DefaultTimeout returns the engine-level execution deadline.
func (s Settings) DefaultTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutMs) * time.Millisecond
}

func (s *Settings) applyEnv() {
	setInt(&s.Workers, "NERVEMIND_WORKERS")
	setInt(&s.GraceMs, "NERVEMIND_GRACE_MS")
	setInt(&s.DefaultTimeoutMs, "NERVEMIND_TIMEOUT_MS")
	setString(&s.Log.Level, "NERVEMIND_LOG_LEVEL")
	setBool(&s.Log.IncludeContext, "NERVEMIND_LOG_CONTEXT")
	setString(&s.Mongo.URI, "NERVEMIND_MONGO_URI")
	setString(&s.Mongo.Database, "NERVEMIND_MONGO_DATABASE")
	setString(&s.Redis.Addr, "NERVEMIND_REDIS_ADDR")
	setString(&s.Redis.Password, "NERVEMIND_REDIS_PASSWORD")
	setString(&s.Providers.OpenAIKey, "OPENAI_API_KEY")
	setString(&s.Providers.AnthropicKey, "ANTHROPIC_API_KEY")
	setString(&s.Providers.OllamaURL, "NERVEMIND_OLLAMA_URL")
	setString(&s.Providers.AzureOpenAIKey, "AZURE_OPENAI_API_KEY")
	setString(&s.Providers.AzureOpenAIEndpoint, "AZURE_OPENAI_ENDPOINT")
	setString(&s.Providers.BedrockRegion, "NERVEMIND_BEDROCK_REGION")
	setString(&s.Providers.BedrockModel, "NERVEMIND_BEDROCK_MODEL")
	setString(&s.Providers.AWSAccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&s.Providers.AWSSecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setString(&s.Providers.AWSSessionToken, "AWS_SESSION_TOKEN")
	if v := os.Getenv("NERVEMIND_BLOCKED_COMMANDS"); v != "" {
		s.BlockedCommands = nil
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				s.BlockedCommands = append(s.BlockedCommands, c)
			}
		}
	}
}

func (s Settings) validate() error {
	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}
	if s.GraceMs < 0 {
		return fmt.Errorf("graceMs must not be negative, got %d", s.GraceMs)
	}
	switch s.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("unknown log level %q", s.Log.Level)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}
