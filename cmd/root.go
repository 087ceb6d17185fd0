package cmd

import (
	"context"
	"fmt"
	"github.com/TitanVJ/wall-e-models/walle"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = walle.DefaultConfig()
	configFile string

	// levelKeys are the config keys holding a *slog.LevelVar
	levelKeys = []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	}

	// sliceKeys are space-separated lists when set from the environment
	sliceKeys = []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	}
)

var rootCmd = &cobra.Command{
	Use:   "walle [flags]",
	Short: "Leveling ledger and profile reconciliation for a Discord guild",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
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
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String(), "WARNING":
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names into *slog.LevelVar.
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
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
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
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", walle.DefaultDatabase)
	viper.SetDefault("database_type", walle.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", walle.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", walle.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", walle.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", walle.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", walle.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", walle.DefaultRuntimeConfigTTL)
	viper.SetDefault("time_zone", walle.DefaultTimeZone)

	// Leveling
	viper.SetDefault("leveling.xp_cooldown", walle.DefaultXPCooldown)
	viper.SetDefault("leveling.min_grant", walle.DefaultMinGrant)
	viper.SetDefault("leveling.max_grant", walle.DefaultMaxGrant)
	viper.SetDefault("leveling.max_level", walle.DefaultMaxLevel)
	viper.SetDefault("leveling.cascade_level_ups", false)

	// Profile reconciliation
	viper.SetDefault("reconciler.enabled", true)
	viper.SetDefault("reconciler.bucket_count", walle.DefaultBucketCount)
	viper.SetDefault("reconciler.tick_interval", walle.DefaultTickInterval)
	viper.SetDefault("reconciler.member_timeout", walle.DefaultMemberTimeout)
	viper.SetDefault("reconciler.max_attempts", walle.DefaultMaxAttempts)
	viper.SetDefault("reconciler.concurrency", walle.DefaultConcurrency)
	viper.SetDefault("reconciler.queue_batch_size", walle.DefaultQueueBatchSize)
	viper.SetDefault(
		"reconciler.directory_requests_per_second",
		walle.DefaultDirectoryRateLimit,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.mirror_channel_id", "")
	viper.SetDefault("discord.avatar_fetch_timeout", walle.DefaultAvatarFetchTimeout)
	viper.SetDefault("discord.log_level", walle.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", walle.DefaultDiscordgoLogLevel.String())

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", walle.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", walle.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.activity_requests_per_second", walle.DefaultAPIActivityRate)
	viper.SetDefault("api.read_timeout", walle.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", walle.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", walle.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", walle.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", walle.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", walle.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", walle.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", walle.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", walle.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", walle.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	// Each Execute starts from the environment, not from values
	// converted by an earlier run in the same process
	viper.Reset()
	cfg = walle.DefaultConfig()

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

	setDefaults()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	envPrefix := os.Getenv(walle.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = walle.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
