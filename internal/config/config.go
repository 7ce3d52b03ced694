package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config 房间状态同步服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	HTTP struct {
		ListenAddr string
	}

	// 状态对账配置
	Reconcile struct {
		// 周期性对账间隔（长时间 waiting 状态的房间防止静默漂移）
		Interval time.Duration
		// 仅存在于传输层镜像、且已从存储层消失超过该时长的"幽灵"玩家会被丢弃
		// 默认等于一个对账间隔
		GhostTTL time.Duration
		// 统计历史保留条数（超出后淘汰最旧记录）
		HistoryLimit int
	}

	// 可靠投递配置
	Reliability struct {
		MaxRetries int
		AckTimeout time.Duration
		// 指数退避：BaseDelay 每次翻倍，上限 MaxDelay，外加随机抖动
		BaseDelay time.Duration
		MaxDelay  time.Duration
		// 传输层重试耗尽后的 HTTP 兜底地址（本服务自身的 fallback API）
		FallbackBaseURL string
	}

	Room struct {
		// 单房间最大人数（队伍上限 = MaxPlayers/2）
		MaxPlayers int
		// 无连接玩家的房间闲置回收时长
		IdleEvictAfter time.Duration
	}

	// 对账事件日志（Redis Streams，供运维侧消费）
	Journal struct {
		Enabled bool
		Stream  string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "crown")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.HTTP.ListenAddr = getEnv("HTTP_LISTEN_ADDR", ":8090")

	cfg.Reconcile.Interval = getEnvDuration("RECONCILE_INTERVAL", 30*time.Second)
	cfg.Reconcile.GhostTTL = getEnvDuration("RECONCILE_GHOST_TTL", cfg.Reconcile.Interval)
	cfg.Reconcile.HistoryLimit = getEnvInt("RECONCILE_HISTORY_LIMIT", 200)

	cfg.Reliability.MaxRetries = getEnvInt("DELIVERY_MAX_RETRIES", 3)
	cfg.Reliability.AckTimeout = getEnvDuration("DELIVERY_ACK_TIMEOUT", 2*time.Second)
	cfg.Reliability.BaseDelay = getEnvDuration("DELIVERY_BASE_DELAY", 500*time.Millisecond)
	cfg.Reliability.MaxDelay = getEnvDuration("DELIVERY_MAX_DELAY", 5*time.Second)
	cfg.Reliability.FallbackBaseURL = getEnv("DELIVERY_FALLBACK_URL", "http://localhost:8090")

	cfg.Room.MaxPlayers = getEnvInt("ROOM_MAX_PLAYERS", 4)
	cfg.Room.IdleEvictAfter = getEnvDuration("ROOM_IDLE_EVICT_AFTER", 10*time.Minute)

	cfg.Journal.Enabled = getEnv("JOURNAL_ENABLED", "true") == "true"
	cfg.Journal.Stream = getEnv("JOURNAL_STREAM", "room:reconcile:events")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Room.MaxPlayers < 2 {
		return nil, fmt.Errorf("invalid ROOM_MAX_PLAYERS: %d", cfg.Room.MaxPlayers)
	}
	if cfg.Reliability.MaxRetries < 1 {
		return nil, fmt.Errorf("invalid DELIVERY_MAX_RETRIES: %d", cfg.Reliability.MaxRetries)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
