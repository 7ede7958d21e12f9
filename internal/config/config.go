// Package config loads runtime settings from the environment and an
// optional TOML file named by DORA_CONFIG. Environment variables win.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"

	ParamSourceSSM = "ssm"
	ParamSourceEnv = "env"

	BlobS3  = "s3"
	BlobDir = "dir"
)

type Provider struct {
	Enabled     bool
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

type Speech struct {
	BaseURL string
	Model   string
	Voice   string
	Speed   float64
	Timeout time.Duration
}

type Audio struct {
	Driver        string
	Bucket        string
	Prefix        string
	PublicBaseURL string
	Dir           string
}

type Config struct {
	StoreDriver string
	StateTable  string
	SQLitePath  string

	ParamSource string
	ParamPrefix string

	Primary   Provider
	Secondary Provider
	TTS       Speech
	Audio     Audio

	RateLimitMaxRequests int
	RateLimitWindow      time.Duration

	ContextTurns      int
	HistoryTurns      int
	MaxQuestionLength int

	GreetingsFile   string
	WarmConcurrency int
}

// TokenName returns the parameter name of a secret under ParamPrefix.
func (c Config) TokenName(secret string) string {
	return strings.TrimRight(c.ParamPrefix, "/") + "/" + secret
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", StoreDynamoDB)
	v.SetDefault("state.table", "")
	v.SetDefault("sqlite.path", "ask-dora.db")

	v.SetDefault("param.source", ParamSourceSSM)
	v.SetDefault("param.prefix", "/ask-dora")

	v.SetDefault("primary.enabled", true)
	v.SetDefault("primary.base_url", "https://api.openai.com/v1")
	v.SetDefault("primary.model", "gpt-4o-mini")
	v.SetDefault("primary.timeout", 5*time.Second)
	v.SetDefault("primary.max_tokens", 300)
	v.SetDefault("primary.temperature", 0.7)

	v.SetDefault("secondary.enabled", true)
	v.SetDefault("secondary.base_url", "http://localhost:11434/v1")
	v.SetDefault("secondary.model", "llama3.1:8b")
	v.SetDefault("secondary.timeout", 8*time.Second)
	v.SetDefault("secondary.max_tokens", 300)
	v.SetDefault("secondary.temperature", 0.7)

	v.SetDefault("tts.base_url", "https://api.openai.com/v1")
	v.SetDefault("tts.model", "tts-1")
	v.SetDefault("tts.voice", "nova")
	v.SetDefault("tts.speed", 1.0)
	v.SetDefault("tts.timeout", 15*time.Second)

	v.SetDefault("blob.driver", BlobS3)
	v.SetDefault("audio.bucket", "")
	v.SetDefault("audio.prefix", "audio")
	v.SetDefault("audio.public_base_url", "")
	v.SetDefault("audio.dir", "audio")

	v.SetDefault("rate_limit.max_requests", 20)
	v.SetDefault("rate_limit.window", time.Hour)

	v.SetDefault("context.turns", 6)
	v.SetDefault("history.turns", 6)
	v.SetDefault("max_question_length", 300)

	v.SetDefault("greetings.file", "")
	v.SetDefault("warm.concurrency", 4)
}

// NewViper returns a viper instance carrying every default and bound to the
// environment. Keys map to environment variables by upper-casing and
// replacing dots with underscores, so "primary.model" reads PRIMARY_MODEL.
// Callers may override defaults before passing it to Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads configuration through v; a nil v gets NewViper.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = NewViper()
	}

	if file := strings.TrimSpace(v.GetString("dora.config")); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := Config{
		StoreDriver: strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
		StateTable:  strings.TrimSpace(v.GetString("state.table")),
		SQLitePath:  strings.TrimSpace(v.GetString("sqlite.path")),

		ParamSource: strings.ToLower(strings.TrimSpace(v.GetString("param.source"))),
		ParamPrefix: strings.TrimSpace(v.GetString("param.prefix")),

		Primary:   provider(v, "primary"),
		Secondary: provider(v, "secondary"),
		TTS: Speech{
			BaseURL: strings.TrimSpace(v.GetString("tts.base_url")),
			Model:   strings.TrimSpace(v.GetString("tts.model")),
			Voice:   strings.TrimSpace(v.GetString("tts.voice")),
			Speed:   v.GetFloat64("tts.speed"),
			Timeout: v.GetDuration("tts.timeout"),
		},
		Audio: Audio{
			Driver:        strings.ToLower(strings.TrimSpace(v.GetString("blob.driver"))),
			Bucket:        strings.TrimSpace(v.GetString("audio.bucket")),
			Prefix:        strings.TrimSpace(v.GetString("audio.prefix")),
			PublicBaseURL: strings.TrimSpace(v.GetString("audio.public_base_url")),
			Dir:           strings.TrimSpace(v.GetString("audio.dir")),
		},

		RateLimitMaxRequests: v.GetInt("rate_limit.max_requests"),
		RateLimitWindow:      v.GetDuration("rate_limit.window"),

		ContextTurns:      v.GetInt("context.turns"),
		HistoryTurns:      v.GetInt("history.turns"),
		MaxQuestionLength: v.GetInt("max_question_length"),

		GreetingsFile:   strings.TrimSpace(v.GetString("greetings.file")),
		WarmConcurrency: v.GetInt("warm.concurrency"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func provider(v *viper.Viper, name string) Provider {
	return Provider{
		Enabled:     v.GetBool(name + ".enabled"),
		BaseURL:     strings.TrimSpace(v.GetString(name + ".base_url")),
		Model:       strings.TrimSpace(v.GetString(name + ".model")),
		Timeout:     v.GetDuration(name + ".timeout"),
		MaxTokens:   v.GetInt(name + ".max_tokens"),
		Temperature: v.GetFloat64(name + ".temperature"),
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error

	switch c.StoreDriver {
	case StoreDynamoDB:
		if c.StateTable == "" {
			err = multierr.Append(err, errors.New("config: STATE_TABLE is required for the dynamodb store"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			err = multierr.Append(err, errors.New("config: SQLITE_PATH is required for the sqlite store"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.ParamSource {
	case ParamSourceSSM, ParamSourceEnv:
	default:
		err = multierr.Append(err, fmt.Errorf("config: unknown PARAM_SOURCE %q", c.ParamSource))
	}
	if strings.Trim(c.ParamPrefix, "/") == "" {
		err = multierr.Append(err, errors.New("config: PARAM_PREFIX must not be empty"))
	}

	for name, p := range map[string]Provider{"PRIMARY": c.Primary, "SECONDARY": c.Secondary} {
		if !p.Enabled {
			continue
		}
		if p.Model == "" {
			err = multierr.Append(err, fmt.Errorf("config: %s_MODEL must not be empty", name))
		}
		if p.Timeout <= 0 {
			err = multierr.Append(err, fmt.Errorf("config: %s_TIMEOUT must be positive", name))
		}
		if p.MaxTokens <= 0 {
			err = multierr.Append(err, fmt.Errorf("config: %s_MAX_TOKENS must be positive", name))
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			err = multierr.Append(err, fmt.Errorf("config: %s_TEMPERATURE must be within [0, 2]", name))
		}
	}
	if c.TTS.Timeout <= 0 {
		err = multierr.Append(err, errors.New("config: TTS_TIMEOUT must be positive"))
	}
	if c.TTS.Speed < 0.25 || c.TTS.Speed > 4 {
		err = multierr.Append(err, errors.New("config: TTS_SPEED must be within [0.25, 4]"))
	}

	switch c.Audio.Driver {
	case BlobS3:
		if c.Audio.Bucket == "" {
			err = multierr.Append(err, errors.New("config: AUDIO_BUCKET is required for the s3 blob store"))
		}
	case BlobDir:
		if c.Audio.Dir == "" {
			err = multierr.Append(err, errors.New("config: AUDIO_DIR is required for the dir blob store"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("config: unknown BLOB_DRIVER %q", c.Audio.Driver))
	}

	if c.RateLimitMaxRequests <= 0 {
		err = multierr.Append(err, errors.New("config: RATE_LIMIT_MAX_REQUESTS must be positive"))
	}
	if c.RateLimitWindow <= 0 {
		err = multierr.Append(err, errors.New("config: RATE_LIMIT_WINDOW must be positive"))
	}
	if c.ContextTurns <= 0 {
		err = multierr.Append(err, errors.New("config: CONTEXT_TURNS must be positive"))
	}
	if c.HistoryTurns <= 0 {
		err = multierr.Append(err, errors.New("config: HISTORY_TURNS must be positive"))
	}
	if c.MaxQuestionLength <= 0 {
		err = multierr.Append(err, errors.New("config: MAX_QUESTION_LENGTH must be positive"))
	}
	if c.WarmConcurrency <= 0 {
		err = multierr.Append(err, errors.New("config: WARM_CONCURRENCY must be positive"))
	}
	return err
}
