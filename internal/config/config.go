package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config 定义应用程序的运行配置
// 使用 mapstructure 标签来映射配置文件、环境变量 (FACTORY_*) 与命令行参数
type Config struct {
	Input            string `mapstructure:"input"`              // 工厂输入文件路径
	LogLevel         string `mapstructure:"log_level"`          // debug | info | warn | error
	MetricsAddr      string `mapstructure:"metrics_addr"`       // 监控与状态接口地址，为空则不启动
	ReportURL        string `mapstructure:"report_url"`         // 运行结果上报地址，为空则不上报
	JournalPath      string `mapstructure:"journal_path"`       // 运行日志文件，为空则不记录
	MaxQueueCapacity int    `mapstructure:"max_queue_capacity"` // 单条传送带允许分配的最大容量
	InitRetries      int    `mapstructure:"init_retries"`       // 队列分配失败后的重试次数
	StrictInput      bool   `mapstructure:"strict_input"`       // 解析阶段即拒绝非法的容量/数量
	InspectionRule   string `mapstructure:"inspection_rule"`    // 消费者检验规则 (expr 语法)
	ItemDelayMs      int    `mapstructure:"item_delay_ms"`      // 生产每个元素之前的延时
}

// SetDefaults 设置默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("input", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("report_url", "")
	v.SetDefault("journal_path", "")
	v.SetDefault("max_queue_capacity", 1<<20)
	v.SetDefault("init_retries", 0)
	v.SetDefault("strict_input", true)
	v.SetDefault("inspection_rule", "")
	v.SetDefault("item_delay_ms", 0)
}

// LoadConfig 使用 Viper 加载配置
// 优先级：命令行参数 > 环境变量 > 配置文件 > 默认值。
// path 为空时在当前目录查找 factory.yaml，找不到则只使用默认值。
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("factory") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FACTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		// 命令行参数使用 "-" 分隔，配置键使用 "_"
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("绑定命令行参数失败: %w", bindErr)
		}
	}

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if cfg.MaxQueueCapacity <= 0 {
		return nil, fmt.Errorf("max_queue_capacity 必须为正数: %d", cfg.MaxQueueCapacity)
	}
	if cfg.InitRetries < 0 {
		return nil, fmt.Errorf("init_retries 不能为负数: %d", cfg.InitRetries)
	}
	return &cfg, nil
}

// Level 将 log_level 转换为 slog 级别，未知值按 info 处理
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
