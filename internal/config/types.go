package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了执行引擎运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Gate      GateConfig      `mapstructure:"gate"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述执行通道配置，mode=sim 时走内置模拟成交。
type BrokerConfig struct {
	Mode       string    `mapstructure:"mode"`
	Exchange   string    `mapstructure:"exchange"`
	APIKey     string    `mapstructure:"api_key"`
	APISecret  string    `mapstructure:"api_secret"`
	APIPass    string    `mapstructure:"api_password"`
	UseSandbox bool      `mapstructure:"use_sandbox"`
	Sim        SimConfig `mapstructure:"sim"`
}

// SimConfig 控制模拟成交行为。
type SimConfig struct {
	FillLatency  time.Duration `mapstructure:"fill_latency"`
	PartialFills int           `mapstructure:"partial_fills"`
}

// GateConfig 控制提交前安全联锁。
type GateConfig struct {
	Mode        string      `mapstructure:"mode"`
	Allow       bool        `mapstructure:"allow"`
	MaxDrawdown float64     `mapstructure:"max_drawdown"`
	ResetHour   int         `mapstructure:"reset_hour"`
	Retry       RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试节奏。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SchedulerConfig 控制切片调度循环。
type SchedulerConfig struct {
	Workers             int           `mapstructure:"workers"`
	SubmitTimeout       time.Duration `mapstructure:"submit_timeout"`
	StatusQueryAttempts int           `mapstructure:"status_query_attempts"`
	StatusQueryDelay    time.Duration `mapstructure:"status_query_delay"`
}

// ExecutionConfig 控制子单委托形态。
type ExecutionConfig struct {
	OrderType string `mapstructure:"order_type"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch c.Broker.Mode {
	case "sim":
		if c.Broker.Sim.FillLatency < 0 {
			err = multierr.Append(err, errors.New("broker.sim.fill_latency 不能为负"))
		}
		if c.Broker.Sim.PartialFills <= 0 {
			err = multierr.Append(err, errors.New("broker.sim.partial_fills 必须大于0"))
		}
	case "live":
		if c.Broker.Exchange == "" {
			err = multierr.Append(err, errors.New("broker.exchange 不能为空"))
		}
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			err = multierr.Append(err, errors.New("live 模式需要配置 broker.api_key 与 broker.api_secret"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("broker.mode 取值非法: %q", c.Broker.Mode))
	}
	switch c.Gate.Mode {
	case "static":
	case "drawdown":
		if c.Gate.MaxDrawdown <= 0 || c.Gate.MaxDrawdown > 1 {
			err = multierr.Append(err, errors.New("gate.max_drawdown 必须位于(0,1]"))
		}
		if c.Gate.ResetHour < 0 || c.Gate.ResetHour > 23 {
			err = multierr.Append(err, errors.New("gate.reset_hour 必须位于[0,23]"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("gate.mode 取值非法: %q", c.Gate.Mode))
	}
	if c.Gate.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("gate.retry.max_attempts 必须大于0"))
	}
	if c.Gate.Retry.MinDelay <= 0 || c.Gate.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("gate.retry.delay 必须为正"))
	}
	if c.Gate.Retry.MinDelay > c.Gate.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("gate.retry.min_delay 不能大于 max_delay"))
	}
	if c.Scheduler.Workers <= 0 {
		err = multierr.Append(err, errors.New("scheduler.workers 必须大于0"))
	}
	if c.Scheduler.SubmitTimeout <= 0 {
		err = multierr.Append(err, errors.New("scheduler.submit_timeout 必须大于0"))
	}
	if c.Scheduler.StatusQueryAttempts <= 0 {
		err = multierr.Append(err, errors.New("scheduler.status_query_attempts 必须大于0"))
	}
	if c.Scheduler.StatusQueryDelay <= 0 {
		err = multierr.Append(err, errors.New("scheduler.status_query_delay 必须大于0"))
	}
	if c.Execution.OrderType != "market" && c.Execution.OrderType != "limit" {
		err = multierr.Append(err, fmt.Errorf("execution.order_type 取值非法: %q", c.Execution.OrderType))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
