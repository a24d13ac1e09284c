// Package config loads and validates the agent's runtime configuration.
//
// Mirrors the teacher's viper + validator pattern: environment variables
// (with an optional .env file) are read into a struct, defaults are seeded
// before the read so partial environments still produce a usable config,
// then the struct is validated so a missing required option fails fast at
// startup (§7: Configuration errors are fatal).
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds every recognized option from spec §6.
type Config struct {
	RoomName       string `mapstructure:"room_name" validate:"required"`
	CoachingPrompt string `mapstructure:"coaching_prompt"`
	Greeting       string `mapstructure:"greeting"`
	VoiceModel     string `mapstructure:"voice_model"`
	LLMModel       string `mapstructure:"llm_model"`
	Verbose        bool   `mapstructure:"verbose"`

	SpeechProviderEndpointA string `mapstructure:"speech_provider_endpoint_a" validate:"required"`
	SpeechProviderEndpointB string `mapstructure:"speech_provider_endpoint_b" validate:"required"`
	SpeechProviderAPIKey    string `mapstructure:"speech_provider_api_key"`

	ConferencingURL    string `mapstructure:"conferencing_url" validate:"required"`
	ConferencingAPIKey string `mapstructure:"conferencing_api_key"`
	ConferencingSecret string `mapstructure:"conferencing_api_secret"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	PostgresDSN string `mapstructure:"postgres_dsn"`
	SqlitePath  string `mapstructure:"sqlite_path"`
	RedisAddr   string `mapstructure:"redis_addr"`

	DebugAudioCapture bool   `mapstructure:"debug_audio_capture"`
	DebugAudioDir     string `mapstructure:"debug_audio_dir"`
}

const (
	defaultCoachingPrompt = "You are a supportive, concise voice coach. Keep answers short and conversational."
	defaultGreeting       = "Hi, I'm here to help however I can."
)

// Load reads configuration from the environment (and an optional .env file
// named by ENV_PATH), applies defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()

	setDefaults(v)
	// A missing .env file is fine; environment variables still apply via
	// AutomaticEnv. Any other read error is surfaced.
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("coaching_prompt", defaultCoachingPrompt)
	v.SetDefault("greeting", defaultGreeting)
	v.SetDefault("voice_model", "default")
	v.SetDefault("llm_model", "default")
	v.SetDefault("verbose", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("sqlite_path", "voiceagent.db")
	v.SetDefault("debug_audio_capture", false)
}
