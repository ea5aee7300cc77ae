package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"

	"github.com/joho/godotenv"
	"github.com/kaspercito/oliver/oliver"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cfg        = oliver.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "oliver [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("log_level", oliver.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", oliver.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", oliver.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.channel_id", "")
	viper.SetDefault(
		"discord.gateway_intents",
		oliver.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		oliver.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		oliver.DefaultDiscordgoLogLevel.String(),
	)

	// Model config
	viper.SetDefault("model.token", "")
	viper.SetDefault("model.base_url", "")
	viper.SetDefault("model.name", oliver.DefaultModelName)
	viper.SetDefault("model.temperature", oliver.DefaultModelTemperature)
	viper.SetDefault("model.top_p", oliver.DefaultModelTopP)
	viper.SetDefault("model.max_attempts", oliver.DefaultModelMaxAttempts)
	viper.SetDefault(
		"model.request_timeout",
		oliver.DefaultModelRequestTimeout,
	)
	viper.SetDefault("model.retry_backoff", oliver.DefaultModelRetryBackoff)
	viper.SetDefault("model.log_level", oliver.DefaultModelLogLevel.String())

	// Queue config
	viper.SetDefault("queue.interval", oliver.DefaultQueueInterval)

	// Store config
	viper.SetDefault("store.path", oliver.DefaultStorePath)
	viper.SetDefault("store.log_level", oliver.DefaultStoreLogLevel.String())
	viper.SetDefault("store.mirror.enabled", false)
	viper.SetDefault("store.mirror.token", "")
	viper.SetDefault("store.mirror.owner", "")
	viper.SetDefault("store.mirror.repo", "")
	viper.SetDefault("store.mirror.branch", oliver.DefaultMirrorBranch)
	viper.SetDefault("store.mirror.path", oliver.DefaultMirrorPath)

	// Chat config
	viper.SetDefault("chat.prefixes", oliver.DefaultChatPrefixes)
	viper.SetDefault("chat.history_limit", oliver.DefaultHistoryLimit)
	viper.SetDefault("chat.context_window", oliver.DefaultContextWindow)
	viper.SetDefault("chat.cache_ttl", oliver.DefaultCacheTTL)
	viper.SetDefault("chat.lock_warn_after", oliver.DefaultLockWarnAfter)
	viper.SetDefault("chat.min_reply_length", oliver.DefaultMinReplyLength)
	viper.SetDefault("chat.max_reply_length", oliver.DefaultMaxReplyLength)
	viper.SetDefault(
		"chat.truncated_reply_length",
		oliver.DefaultTruncatedReplyLength,
	)
	viper.SetDefault("chat.forbidden_markers", oliver.DefaultForbiddenMarkers)
	viper.SetDefault("chat.status_triggers", oliver.DefaultStatusTriggers)
	viper.SetDefault("chat.default_status", oliver.DefaultUserStatus)
	viper.SetDefault("chat.speaker_roster", oliver.DefaultSpeakerRoster)
	viper.SetDefault("chat.default_speaker_name", oliver.DefaultSpeakerName)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", oliver.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", oliver.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", oliver.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		oliver.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", oliver.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", oliver.DefaultIdleTimeout)

	envPrefix := os.Getenv(oliver.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = oliver.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"chat.prefixes",
		viper.GetStringSlice("chat.prefixes"),
	)
	viper.Set(
		"chat.forbidden_markers",
		viper.GetStringSlice("chat.forbidden_markers"),
	)

	for _, key := range []string{
		"log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"model.log_level",
		"store.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
