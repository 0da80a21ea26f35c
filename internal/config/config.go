package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "twap"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.mode", "sim")
	v.SetDefault("broker.exchange", "binanceusdm")
	v.SetDefault("broker.use_sandbox", false)
	v.SetDefault("broker.sim.fill_latency", "100ms")
	v.SetDefault("broker.sim.partial_fills", 2)

	v.SetDefault("gate.mode", "static")
	v.SetDefault("gate.allow", true)
	v.SetDefault("gate.max_drawdown", 0.05)
	v.SetDefault("gate.reset_hour", 0)
	v.SetDefault("gate.retry.max_attempts", 10)
	v.SetDefault("gate.retry.min_delay", "500ms")
	v.SetDefault("gate.retry.max_delay", "30s")

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.submit_timeout", "10s")
	v.SetDefault("scheduler.status_query_attempts", 3)
	v.SetDefault("scheduler.status_query_delay", "2s")

	v.SetDefault("execution.order_type", "market")

	v.SetDefault("database.path", "data/twap.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
