package config

// Config 配置主体
type Config struct {
	Server ServerConfig    `mapstructure:"server"`
	DB     DBConfig        `mapstructure:"database"`
	Redis  RedisConfig     `mapstructure:"redis"`
	Mongo  MongoConfig     `mapstructure:"mongo"`
	WS     WebSocketConfig `mapstructure:"websocket"`
}

// ServerConfig Server配置
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig 数据库配置
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxIdle     int    `mapstructure:"max_idle"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxLifetime int    `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// MongoConfig 消息明细存储配置
type MongoConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// WebSocketConfig 实时通道调优参数
type WebSocketConfig struct {
	SendQueueSize int `mapstructure:"send_queue_size"` // 单连接出站队列上限，超限即断开
	TypingTTL     int `mapstructure:"typing_ttl"`      // 正在输入状态的服务端过期秒数
	PingPeriod    int `mapstructure:"ping_period"`     // 心跳间隔秒数
	PongWait      int `mapstructure:"pong_wait"`       // 读超时秒数，须大于心跳间隔
}
