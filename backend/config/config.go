package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // gin 模式：debug / release / test
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"` // 为空时使用内存存储
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"` // 为空时不同步在线状态
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"` // 为空时不发事件
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path      string `mapstructure:"path"`       // auth-service 地址，优先于 jwt_secret
		JWTSecret string `mapstructure:"jwt_secret"` // 本地校验 HS256
		Disabled  bool   `mapstructure:"disabled"`   // 仅开发环境
	} `mapstructure:"auth"`
	Collab struct {
		LoadTimeout     time.Duration `mapstructure:"load_timeout"`
		PresenceRefresh time.Duration `mapstructure:"presence_refresh"`

		SaveWorkers     int           `mapstructure:"save_workers"`
		SaveQueueSize   int           `mapstructure:"save_queue_size"`
		SaveMaxRetry    int           `mapstructure:"save_max_retry"`
		SaveBaseBackoff time.Duration `mapstructure:"save_base_backoff"`
		SaveMaxBackoff  time.Duration `mapstructure:"save_max_backoff"`
		SaveTimeout     time.Duration `mapstructure:"save_timeout"`
		PersistentAfter int           `mapstructure:"persistent_after"`

		SendQueueSize  int      `mapstructure:"send_queue_size"`
		CursorRate     float64  `mapstructure:"cursor_rate"`
		CursorBurst    int      `mapstructure:"cursor_burst"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"collab"`
	Client struct {
		CursorDebounce time.Duration `mapstructure:"cursor_debounce"`
		CursorTimeout  time.Duration `mapstructure:"cursor_timeout"`
		SaveInterval   time.Duration `mapstructure:"save_interval"`
	} `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 3003)
	v.SetDefault("running.mode", "release")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presence_ttl", 30*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-events")
	v.SetDefault("auth.path", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.disabled", false)

	v.SetDefault("collab.load_timeout", 5*time.Second)
	v.SetDefault("collab.presence_refresh", 10*time.Second)
	v.SetDefault("collab.save_workers", 4)
	v.SetDefault("collab.save_queue_size", 64)
	v.SetDefault("collab.save_max_retry", 3)
	v.SetDefault("collab.save_base_backoff", 100*time.Millisecond)
	v.SetDefault("collab.save_max_backoff", 2*time.Second)
	v.SetDefault("collab.save_timeout", 5*time.Second)
	v.SetDefault("collab.persistent_after", 3)
	v.SetDefault("collab.send_queue_size", 256)
	v.SetDefault("collab.cursor_rate", 30.0)
	v.SetDefault("collab.cursor_burst", 10)
	v.SetDefault("collab.allowed_origins", []string{})

	v.SetDefault("client.cursor_debounce", 50*time.Millisecond)
	v.SetDefault("client.cursor_timeout", 2*time.Second)
	v.SetDefault("client.save_interval", 3*time.Second)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	// COLLAB_RUNNING_PORT 覆盖 running.port
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取 collabConfig.yaml；找不到文件时只用默认值和环境变量
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return decode(v)
}

// LoadFile 读取指定的配置文件
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
