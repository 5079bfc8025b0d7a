package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/putto11262002/chatter-client/session"
)

type Config struct {
	Server struct {
		// StreamURL is the base URL of the realtime stream. http and https are
		// mapped to ws and wss.
		StreamURL string `mapstructure:"stream_url" validate:"required,url"`
		// APIURL is the base URL of the snapshot API.
		APIURL string `mapstructure:"api_url" validate:"required,url"`
		// InsecureSkipVerify disables TLS certificate verification of both.
		InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
	} `mapstructure:"server"`
	Auth struct {
		// Token is an access token. Without one the client logs in with
		// Username and Password.
		Token    string `mapstructure:"token"`
		Username string `mapstructure:"username" validate:"required_without=Token"`
		Password string `mapstructure:"password" validate:"required_with=Username"`
	} `mapstructure:"auth"`
	Connection struct {
		MaxAttempts      int           `mapstructure:"max_attempts" validate:"gte=1"`
		RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
		QueueSize        int           `mapstructure:"queue_size" validate:"gte=0"`
	} `mapstructure:"connection"`
	Messages struct {
		GraceWindow time.Duration `mapstructure:"grace_window" validate:"gt=0"`
	} `mapstructure:"messages"`
	Typing struct {
		Countdown time.Duration `mapstructure:"countdown" validate:"gt=0"`
	} `mapstructure:"typing"`
	Rooms struct {
		RejoinOnReconnect bool `mapstructure:"rejoin_on_reconnect"`
	} `mapstructure:"rooms"`
	Log struct {
		Level slog.Level `mapstructure:"level"`
		// Color forces coloured output on or off. Unset, it follows the terminal.
		Color *bool `mapstructure:"color"`
	} `mapstructure:"log"`
	Metrics struct {
		// Addr is where /metrics is served. Empty disables the endpoint.
		Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	} `mapstructure:"metrics"`
	valid bool
}

// LoadConfig loads the configuration from config.yaml in dir (when present),
// a .env file and environment variables, in increasing order of precedence.
// Environment keys are the upper-cased config keys with dots replaced by
// underscores, e.g. SERVER_STREAM_URL.
func LoadConfig(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		)),
	); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return config, nil
}

// setDefaults also registers every key so AutomaticEnv can see it when the
// config file does not mention it.
func setDefaults(v *viper.Viper) {
	d := session.DefaultConfig()
	v.SetDefault("server.stream_url", "http://localhost:8000")
	v.SetDefault("server.api_url", "http://localhost:8000")
	v.SetDefault("server.insecure_skip_verify", false)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("connection.max_attempts", d.MaxAttempts)
	v.SetDefault("connection.retry_delay", d.RetryDelay)
	v.SetDefault("connection.handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("connection.queue_size", d.QueueSize)
	v.SetDefault("messages.grace_window", d.GraceWindow)
	v.SetDefault("typing.countdown", d.TypingCountdown)
	v.SetDefault("rooms.rejoin_on_reconnect", d.RejoinOnReconnect)
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", "")
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}

// SessionConfig returns the session tunables for the access token.
func (c *Config) SessionConfig(token string) session.Config {
	return session.Config{
		StreamURL:         c.Server.StreamURL,
		Token:             token,
		MaxAttempts:       c.Connection.MaxAttempts,
		RetryDelay:        c.Connection.RetryDelay,
		HandshakeTimeout:  c.Connection.HandshakeTimeout,
		QueueSize:         c.Connection.QueueSize,
		GraceWindow:       c.Messages.GraceWindow,
		TypingCountdown:   c.Typing.Countdown,
		RejoinOnReconnect: c.Rooms.RejoinOnReconnect,
	}
}

// FormatValidationErrors renders validation errors one per line, in field order.
func FormatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := verrs.Translate(trans)

	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(translated)) {
		sb.WriteString(translated[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
