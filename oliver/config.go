//nolint:lll // struct tags can't be split
package oliver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "OLIVER_ENV_PREFIX"
	DefaultEnvPrefix   = "OLIVER"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultHistoryLimit caps each user's stored conversation at the N
	// most recent turns, oldest evicted first.
	DefaultHistoryLimit = 20

	// DefaultContextWindow is how many recent turns are rendered into the
	// model prompt as grounding context.
	DefaultContextWindow = 7

	DefaultCacheTTL      = time.Hour
	DefaultLockWarnAfter = 500 * time.Millisecond

	DefaultQueueInterval = time.Second

	DefaultModelName           = "gemini-1.5-flash"
	DefaultModelTemperature    = 0.7
	DefaultModelTopP           = 0.9
	DefaultModelMaxAttempts    = 3
	DefaultModelRequestTimeout = 15 * time.Second
	DefaultModelRetryBackoff   = 2 * time.Second

	DefaultMinReplyLength       = 10
	DefaultMaxReplyLength       = 2000
	DefaultTruncatedReplyLength = 1990

	DefaultStorePath    = "oliver-data.json"
	DefaultMirrorBranch = "main"
	DefaultMirrorPath   = "oliver-data.json"

	DefaultAPIListen         = "127.0.0.1:10000"
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultModelLogLevel     = slog.LevelInfo
	DefaultStoreLogLevel     = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	// DefaultUserStatus is the affect tag assigned to users who haven't
	// triggered a status keyword yet.
	DefaultUserStatus = "tranqui"

	// DefaultSpeakerName labels any user id not present in the roster.
	DefaultSpeakerName = "Milagros"
)

var (
	// DefaultChatPrefixes are the recognized command prefixes, checked in
	// order. Longer prefixes must come first so "!chat hola" isn't parsed
	// as "!ch" plus "at hola".
	DefaultChatPrefixes = []string{"!chat", "!ch"}

	// DefaultSpeakerRoster maps distinguished user ids to display labels.
	// Anyone not listed gets [ChatConfig.DefaultSpeakerName].
	DefaultSpeakerRoster = map[string]string{
		"752987736759205960": "Miguel",
	}

	// DefaultStatusTriggers maps a lowercase keyword, when found anywhere in
	// an incoming message, to the status label it assigns.
	DefaultStatusTriggers = map[string]string{
		"compromiso": "en compromiso",
	}

	// DefaultForbiddenMarkers are substrings that indicate a model reply
	// leaked internal instruction artifacts. Matched case-insensitively.
	DefaultForbiddenMarkers = []string{"instructions", "prompt"}
)

// Config is the top-level configuration for the bot.
type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Discord configures the Discord gateway connection
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Model configures the upstream generative-language API
	Model *ModelConfig `yaml:"model" mapstructure:"model" json:"model"`

	// Queue configures the global model-request dispatch queue
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// Store configures local snapshot persistence and the GitHub mirror
	Store *StoreConfig `yaml:"store" mapstructure:"store" json:"store"`

	// Chat configures the conversation pipeline itself
	Chat *ChatConfig `yaml:"chat" mapstructure:"chat" json:"chat"`

	// API configures the status/health HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// StartupTimeout limits how long the bot has to connect and initialize
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout limits graceful shutdown; afterwards connections are
	// force-closed
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ChannelID is the only channel the bot responds in
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// ModelConfig configures the generative model API used to produce replies.
type ModelConfig struct {
	// API token for the model provider
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API endpoint. Any OpenAI-compatible endpoint
	// works (e.g. Gemini's compatibility URL). Empty uses the library default.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Name of the model to request
	Name string `yaml:"name" mapstructure:"name" json:"name" binding:"required"`

	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature"`
	TopP        float32 `yaml:"top_p" mapstructure:"top_p" json:"top_p"`

	// MaxAttempts is the number of tries for a single reply, including the
	// first. Only transient failures consume additional attempts.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`

	// RequestTimeout bounds each individual attempt
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// RetryBackoff is the fixed delay between attempts (not exponential)
	RetryBackoff time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff" json:"retry_backoff"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// QueueConfig configures the global rate-limited dispatch queue for
// outbound model calls.
type QueueConfig struct {
	// Interval is the minimum spacing between dispatch start times,
	// regardless of how many users are chatting
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"min=0"`
}

// StoreConfig configures snapshot persistence.
type StoreConfig struct {
	// Path of the local JSON snapshot file
	Path string `yaml:"path" mapstructure:"path" json:"path" binding:"required"`

	// Mirror configures the remote GitHub mirror. Disabled when nil or
	// when Enabled is false.
	Mirror *MirrorConfig `yaml:"mirror" mapstructure:"mirror" json:"mirror"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// MirrorConfig configures the remote version-controlled mirror of the
// snapshot file (a GitHub repository, written via the contents API).
type MirrorConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// GitHub access token with contents write permission
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Enabled true"`

	Owner  string `yaml:"owner" mapstructure:"owner" json:"owner" binding:"required_if=Enabled true"`
	Repo   string `yaml:"repo" mapstructure:"repo" json:"repo" binding:"required_if=Enabled true"`
	Branch string `yaml:"branch" mapstructure:"branch" json:"branch"`

	// Path of the snapshot file within the repository
	Path string `yaml:"path" mapstructure:"path" json:"path" binding:"required_if=Enabled true"`
}

// ChatConfig holds the tunable parameters of the conversation pipeline.
// These are deliberately named settings rather than inline constants.
type ChatConfig struct {
	// Prefixes recognized as chat commands, longest first
	Prefixes []string `yaml:"prefixes" mapstructure:"prefixes" json:"prefixes" binding:"min=1"`

	// HistoryLimit is the sliding-window cap on stored turns per user
	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit" json:"history_limit" binding:"min=1"`

	// ContextWindow is how many recent turns go into the prompt
	ContextWindow int `yaml:"context_window" mapstructure:"context_window" json:"context_window" binding:"min=1"`

	// CacheTTL is how long a (user, question) reply is memoized
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl" json:"cache_ttl"`

	// LockWarnAfter logs a warning if acquiring a user's lock takes longer
	// than this
	LockWarnAfter time.Duration `yaml:"lock_warn_after" mapstructure:"lock_warn_after" json:"lock_warn_after"`

	// MinReplyLength rejects implausibly short model replies (runes)
	MinReplyLength int `yaml:"min_reply_length" mapstructure:"min_reply_length" json:"min_reply_length"`

	// MaxReplyLength is the delivery ceiling; longer replies are truncated
	// to TruncatedReplyLength plus a continuation notice
	MaxReplyLength       int `yaml:"max_reply_length" mapstructure:"max_reply_length" json:"max_reply_length" binding:"min=1"`
	TruncatedReplyLength int `yaml:"truncated_reply_length" mapstructure:"truncated_reply_length" json:"truncated_reply_length" binding:"min=1,ltefield=MaxReplyLength"`

	// ForbiddenMarkers are substrings that mark a reply as leaking internal
	// instructions; matched case-insensitively along with roster labels
	ForbiddenMarkers []string `yaml:"forbidden_markers" mapstructure:"forbidden_markers" json:"forbidden_markers"`

	// StatusTriggers maps message keywords to the status label they assign
	StatusTriggers map[string]string `yaml:"status_triggers" mapstructure:"status_triggers" json:"status_triggers"`

	// DefaultStatus is assigned to users with no status record
	DefaultStatus string `yaml:"default_status" mapstructure:"default_status" json:"default_status"`

	// SpeakerRoster maps known user ids to display labels
	SpeakerRoster map[string]string `yaml:"speaker_roster" mapstructure:"speaker_roster" json:"speaker_roster"`

	// DefaultSpeakerName labels users not present in the roster
	DefaultSpeakerName string `yaml:"default_speaker_name" mapstructure:"default_speaker_name" json:"default_speaker_name"`
}

// APIConfig configures the status/health HTTP server.
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:10000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	modelLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	storeLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	modelLogLevel.Set(DefaultModelLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	storeLogLevel.Set(DefaultStoreLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	prefixes := make([]string, len(DefaultChatPrefixes))
	copy(prefixes, DefaultChatPrefixes)

	markers := make([]string, len(DefaultForbiddenMarkers))
	copy(markers, DefaultForbiddenMarkers)

	roster := make(map[string]string, len(DefaultSpeakerRoster))
	for k, v := range DefaultSpeakerRoster {
		roster[k] = v
	}

	triggers := make(map[string]string, len(DefaultStatusTriggers))
	for k, v := range DefaultStatusTriggers {
		triggers[k] = v
	}

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Model: &ModelConfig{
			Name:           DefaultModelName,
			Temperature:    DefaultModelTemperature,
			TopP:           DefaultModelTopP,
			MaxAttempts:    DefaultModelMaxAttempts,
			RequestTimeout: DefaultModelRequestTimeout,
			RetryBackoff:   DefaultModelRetryBackoff,
			LogLevel:       modelLogLevel,
		},
		Queue: &QueueConfig{
			Interval: DefaultQueueInterval,
		},
		Store: &StoreConfig{
			Path: DefaultStorePath,
			Mirror: &MirrorConfig{
				Branch: DefaultMirrorBranch,
				Path:   DefaultMirrorPath,
			},
			LogLevel: storeLogLevel,
		},
		Chat: &ChatConfig{
			Prefixes:             prefixes,
			HistoryLimit:         DefaultHistoryLimit,
			ContextWindow:        DefaultContextWindow,
			CacheTTL:             DefaultCacheTTL,
			LockWarnAfter:        DefaultLockWarnAfter,
			MinReplyLength:       DefaultMinReplyLength,
			MaxReplyLength:       DefaultMaxReplyLength,
			TruncatedReplyLength: DefaultTruncatedReplyLength,
			ForbiddenMarkers:     markers,
			StatusTriggers:       triggers,
			DefaultStatus:        DefaultUserStatus,
			SpeakerRoster:        roster,
			DefaultSpeakerName:   DefaultSpeakerName,
		},
		API: &APIConfig{
			Enabled:           true,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
