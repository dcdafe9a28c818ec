package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yungbote/marketbench-backend/internal/apiclient"
	"github.com/yungbote/marketbench-backend/internal/watcher"
)

type cliConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	Token          string        `mapstructure:"token"`
	LogMode        string        `mapstructure:"log_mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	HardTimeout    time.Duration `mapstructure:"hard_timeout"`
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
	JSON           bool          `mapstructure:"json"`
}

// bindConfig layers flags over REPORTCTL_* env vars over an optional yaml
// file over defaults.
func bindConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	d := watcher.DefaultConfig()
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("log_mode", "development")
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("max_retries", 2)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("hard_timeout", d.HardTimeout)
	v.SetDefault("stall_threshold", d.StallThreshold)

	v.SetEnvPrefix("REPORTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("reportctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/marketbench")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}

	flags := cmd.Flags()
	for _, key := range []string{"api-url", "token", "log-mode", "poll-interval", "hard-timeout", "stall-threshold", "json"} {
		if f := flags.Lookup(key); f != nil {
			if err := v.BindPFlag(strings.ReplaceAll(key, "-", "_"), f); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfig(v *viper.Viper) (cliConfig, error) {
	var cfg cliConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return cfg, fmt.Errorf("missing token: set --token or REPORTCTL_TOKEN")
	}
	return cfg, nil
}

func (c cliConfig) apiConfig() apiclient.Config {
	return apiclient.Config{
		BaseURL:    c.APIURL,
		Token:      c.Token,
		Timeout:    c.RequestTimeout,
		MaxRetries: c.MaxRetries,
	}
}

func (c cliConfig) watcherConfig() watcher.Config {
	wc := watcher.DefaultConfig()
	wc.PollInterval = c.PollInterval
	wc.HardTimeout = c.HardTimeout
	wc.StallThreshold = c.StallThreshold
	return wc
}
