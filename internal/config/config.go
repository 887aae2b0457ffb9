package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Consult Wispr environment variables.
const EnvPrefix = "CONSULT_WISPR_"

// Config holds all application configuration. Secrets (API keys, signing
// keys, passwords) are loaded exclusively from environment variables and
// never appear in the config file.
type Config struct {
	Server        Server        `yaml:"server"`
	Storage       Storage       `yaml:"storage"`
	Blob          Blob          `yaml:"blob"`
	Queue         Queue         `yaml:"queue"`
	AWS           AWS           `yaml:"aws"`
	Transcription Transcription `yaml:"transcription"`
	Pipeline      Pipeline      `yaml:"pipeline"`
	Summarization Summarization `yaml:"summarization"`
	Upload        Upload        `yaml:"upload"`
	GDrive        GDrive        `yaml:"gdrive"`
	Logging       Logging       `yaml:"logging"`

	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

type Server struct {
	Addr          string `yaml:"addr"`
	PublicURL     string `yaml:"public_url"`
	BasicAuthUser string `yaml:"basic_auth_user"`

	BasicAuthPassword string `yaml:"-"`
}

type Storage struct {
	Backend       string `yaml:"backend"` // sqlite, dynamodb, memory
	SQLitePath    string `yaml:"sqlite_path"`
	DynamoTable   string `yaml:"dynamodb_table"`
	DynamoStream  string `yaml:"dynamodb_stream_arn"`
	FeedInterval  string `yaml:"feed_interval"`
	StreamFromTop bool   `yaml:"stream_from_start"`
}

type Blob struct {
	Backend       string `yaml:"backend"` // file, s3
	Dir           string `yaml:"dir"`
	AudioBucket   string `yaml:"audio_bucket"`
	SummaryBucket string `yaml:"summary_bucket"`
	SignedURLTTL  string `yaml:"signed_url_ttl"`

	SigningKey string `yaml:"-"`
}

type Queue struct {
	Backend     string `yaml:"backend"` // memory, sqs
	SQSURL      string `yaml:"sqs_url"`
	Visibility  string `yaml:"visibility_timeout"`
	WaitSeconds int32  `yaml:"wait_seconds"`
}

type AWS struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type Transcription struct {
	Provider string `yaml:"provider"` // deepgram, openai, none
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	Timeout  string `yaml:"timeout"`
	BaseURL  string `yaml:"base_url"`
}

type Pipeline struct {
	Workers        int    `yaml:"workers"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryBaseDelay string `yaml:"retry_base_delay"`
	AutoSummarize  bool   `yaml:"auto_summarize"`
}

// Summarization configures LLM-backed consultation summaries. Model is a
// "provider/model" pair used for preset routing and as the preset default.
type Summarization struct {
	Model   string            `yaml:"model"`
	Presets map[string]Preset `yaml:"presets"`
}

type Preset struct {
	Description  string `yaml:"description"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	UserTemplate string `yaml:"user_template"`
}

type Upload struct {
	MaxChunkBytes int64    `yaml:"max_chunk_bytes"`
	MimeTypes     []string `yaml:"mime_types"`
}

type GDrive struct {
	FolderID        string `yaml:"folder_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

func defaults() Config {
	return Config{
		Server: Server{
			Addr:      ":8080",
			PublicURL: "http://localhost:8080",
		},
		Storage: Storage{
			Backend:      "sqlite",
			SQLitePath:   "data/consult-wispr.db",
			FeedInterval: "1s",
		},
		Blob: Blob{
			Backend:      "file",
			Dir:          "data/blobs",
			SignedURLTTL: "1h",
		},
		Queue: Queue{
			Backend:     "memory",
			Visibility:  "60s",
			WaitSeconds: 20,
		},
		AWS: AWS{Region: "us-east-1"},
		Transcription: Transcription{
			Provider: "deepgram",
			Language: "en-US",
			Timeout:  "60s",
		},
		Pipeline: Pipeline{
			Workers:        4,
			RetryAttempts:  3,
			RetryBaseDelay: "1s",
		},
		Summarization: Summarization{
			Model: "openai/gpt-4o-mini",
			Presets: map[string]Preset{
				"default": {
					Description:  "General medical consultation",
					SystemPrompt: "You summarize medical consultations for the treating clinician. Be factual and concise.",
					UserTemplate: "Consultation on {{date}}.\n\nTranscript:\n{{transcript}}\n\nClinician notes:\n{{notes}}\n\nWrite a structured summary with sections: Presenting complaint, History, Findings, Plan.",
				},
			},
		},
		Upload: Upload{
			MaxChunkBytes: 2 << 20,
			MimeTypes:     []string{"audio/webm", "audio/ogg", "audio/wav"},
		},
		GDrive: GDrive{
			CredentialsFile: "./service-account.json",
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// FeedInterval returns the outbox poll interval, 1s if unset or invalid.
func (c *Config) FeedInterval() time.Duration {
	return parseDuration(c.Storage.FeedInterval, time.Second)
}

func (c *Config) SignedURLTTL() time.Duration {
	return parseDuration(c.Blob.SignedURLTTL, time.Hour)
}

func (c *Config) QueueVisibility() time.Duration {
	return parseDuration(c.Queue.Visibility, 60*time.Second)
}

func (c *Config) TranscriptionTimeout() time.Duration {
	return parseDuration(c.Transcription.Timeout, 60*time.Second)
}

func (c *Config) RetryBaseDelay() time.Duration {
	return parseDuration(c.Pipeline.RetryBaseDelay, time.Second)
}

// RoleWarnings lists the ways running only the given role (serve, notifier or
// worker) with this config would leave work stranded. The combined "all" role
// has none.
func (c *Config) RoleWarnings(role string) []string {
	if role == "all" {
		return nil
	}
	var warnings []string
	if c.Storage.Backend == "memory" {
		warnings = append(warnings, fmt.Sprintf("Storage backend memory is private to this process; the %s role will not see sessions written by other roles. Use sqlite or dynamodb, or run 'all'.", role))
	}
	if c.Queue.Backend == "memory" {
		warnings = append(warnings, fmt.Sprintf("Queue backend memory is private to this process; the %s role will not exchange jobs with other roles. Use sqs, or run 'all'.", role))
	}
	if role == "serve" {
		warnings = append(warnings, "Transcription and completion events are published in the worker's process; websocket clients of a standalone serve role only see events raised by this API.")
	}
	return warnings
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Addr, "ADDR")
	setString(&cfg.Server.PublicURL, "PUBLIC_URL")
	setString(&cfg.Server.BasicAuthUser, "BASIC_AUTH_USER")

	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.SQLitePath, "SQLITE_PATH")
	setString(&cfg.Storage.DynamoTable, "DYNAMODB_TABLE")
	setString(&cfg.Storage.DynamoStream, "DYNAMODB_STREAM_ARN")
	setString(&cfg.Storage.FeedInterval, "FEED_INTERVAL")

	setString(&cfg.Blob.Backend, "BLOB_BACKEND")
	setString(&cfg.Blob.Dir, "BLOB_DIR")
	setString(&cfg.Blob.AudioBucket, "AUDIO_BUCKET")
	setString(&cfg.Blob.SummaryBucket, "SUMMARY_BUCKET")
	setString(&cfg.Blob.SignedURLTTL, "SIGNED_URL_TTL")

	setString(&cfg.Queue.Backend, "QUEUE_BACKEND")
	setString(&cfg.Queue.SQSURL, "SQS_URL")
	setString(&cfg.Queue.Visibility, "QUEUE_VISIBILITY_TIMEOUT")

	setString(&cfg.AWS.Region, "AWS_REGION")
	setString(&cfg.AWS.Endpoint, "AWS_ENDPOINT")

	setString(&cfg.Transcription.Provider, "TRANSCRIPTION_PROVIDER")
	setString(&cfg.Transcription.Model, "TRANSCRIPTION_MODEL")
	setString(&cfg.Transcription.Language, "TRANSCRIPTION_LANGUAGE")
	setString(&cfg.Transcription.Timeout, "TRANSCRIPTION_TIMEOUT")

	if v := os.Getenv(EnvPrefix + "WORKERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv(EnvPrefix + "AUTO_SUMMARIZE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Pipeline.AutoSummarize = b
		}
	}
	setString(&cfg.Summarization.Model, "SUMMARY_MODEL")

	if v := os.Getenv(EnvPrefix + "MAX_CHUNK_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			cfg.Upload.MaxChunkBytes = n
		}
	}
	if v := os.Getenv(EnvPrefix + "MIME_TYPES"); v != "" {
		cfg.Upload.MimeTypes = parseList(v)
	}

	setString(&cfg.GDrive.FolderID, "GDRIVE_FOLDER_ID")
	setString(&cfg.GDrive.CredentialsFile, "GOOGLE_CREDENTIALS_FILE")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	cfg.Server.BasicAuthPassword = os.Getenv(EnvPrefix + "BASIC_AUTH_PASSWORD")
	cfg.Blob.SigningKey = os.Getenv(EnvPrefix + "BLOB_SIGNING_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	switch cfg.Transcription.Provider {
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			warnings = append(warnings, "Deepgram API key not configured; chunks get placeholder transcripts. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
			cfg.Transcription.Provider = "none"
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured; chunks get placeholder transcripts. Set "+EnvPrefix+"OPENAI_API_KEY.")
			cfg.Transcription.Provider = "none"
		}
	case "none":
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown transcription provider %q; using placeholder transcripts.", cfg.Transcription.Provider))
		cfg.Transcription.Provider = "none"
	}

	if cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" && cfg.GeminiAPIKey == "" {
		warnings = append(warnings, "No LLM API key configured; summaries use the built-in template.")
	}

	switch cfg.Storage.Backend {
	case "sqlite", "memory":
	case "dynamodb":
		if cfg.Storage.DynamoTable == "" {
			warnings = append(warnings, "storage.backend is dynamodb but dynamodb_table is empty; using sqlite.")
			cfg.Storage.Backend = "sqlite"
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown storage backend %q; using sqlite.", cfg.Storage.Backend))
		cfg.Storage.Backend = "sqlite"
	}

	switch cfg.Blob.Backend {
	case "file":
		if cfg.Blob.SigningKey == "" {
			warnings = append(warnings, "Blob signing key not configured; signed URLs use an insecure development key. Set "+EnvPrefix+"BLOB_SIGNING_KEY.")
		}
	case "s3":
		if cfg.Blob.AudioBucket == "" || cfg.Blob.SummaryBucket == "" {
			warnings = append(warnings, "blob.backend is s3 but a bucket is missing; using local files.")
			cfg.Blob.Backend = "file"
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown blob backend %q; using local files.", cfg.Blob.Backend))
		cfg.Blob.Backend = "file"
	}

	switch cfg.Queue.Backend {
	case "memory":
	case "sqs":
		if cfg.Queue.SQSURL == "" {
			warnings = append(warnings, "queue.backend is sqs but sqs_url is empty; using in-memory queue.")
			cfg.Queue.Backend = "memory"
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown queue backend %q; using in-memory queue.", cfg.Queue.Backend))
		cfg.Queue.Backend = "memory"
	}

	if cfg.Server.BasicAuthUser != "" && cfg.Server.BasicAuthPassword == "" {
		warnings = append(warnings, "basic_auth_user set without "+EnvPrefix+"BASIC_AUTH_PASSWORD; authentication is disabled.")
	}

	for _, d := range []struct{ name, value string }{
		{"storage.feed_interval", cfg.Storage.FeedInterval},
		{"blob.signed_url_ttl", cfg.Blob.SignedURLTTL},
		{"queue.visibility_timeout", cfg.Queue.Visibility},
		{"transcription.timeout", cfg.Transcription.Timeout},
		{"pipeline.retry_base_delay", cfg.Pipeline.RetryBaseDelay},
	} {
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q; using default.", d.name, d.value))
		}
	}

	if cfg.Pipeline.Workers <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid pipeline.workers %d; using 1.", cfg.Pipeline.Workers))
		cfg.Pipeline.Workers = 1
	}
	if cfg.Pipeline.RetryAttempts <= 0 {
		cfg.Pipeline.RetryAttempts = 1
	}
	if len(cfg.Summarization.Presets) == 0 {
		warnings = append(warnings, "No summarization presets configured; summaries use the built-in template.")
	}

	return warnings
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}

	return result
}
