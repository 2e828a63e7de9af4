package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	LogLevel       string   `yaml:"log-level" env:"LOG_LEVEL" env-default:"info"`
	HTTPPort       string   `yaml:"http-port" env:"HTTP_PORT" env-default:"9090"`
	SocketPort     string   `yaml:"socket-port" env:"SOCKET_PORT" env-default:"7777"`
	AllowedOrigins []string `yaml:"allowed-origins" env:"ALLOWED_ORIGINS" env-separator:","`
	Redis          Redis    `yaml:"redis"`
	Session        Session  `yaml:"session"`
	Relay          Relay    `yaml:"relay"`
}

type Redis struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Session struct {
	// IdleTimeout ends a session nobody moved, chatted or sent a heartbeat in.
	IdleTimeout time.Duration `yaml:"idle-timeout" env:"SESSION_IDLE_TIMEOUT" env-default:"60s"`
}

type Relay struct {
	WriteTimeout   time.Duration `yaml:"write-timeout" env:"RELAY_WRITE_TIMEOUT" env-default:"10s"`
	ReadTimeout    time.Duration `yaml:"read-timeout" env:"RELAY_READ_TIMEOUT" env-default:"60s"`
	PingInterval   time.Duration `yaml:"ping-interval" env:"RELAY_PING_INTERVAL" env-default:"30s"`
	MaxMessageSize int64         `yaml:"max-message-size" env:"RELAY_MAX_MESSAGE_SIZE" env-default:"4096"`
}

// MustLoad - load all configurations in config.yml file, environment variables override it.
func MustLoad(path string) *Config {
	config := &Config{}

	if err := cleanenv.ReadConfig(path, config); err != nil {
		panic(fmt.Errorf("unable to load config file: %w", err))
	}

	return config
}

func (that *Redis) GetRedisAddr() string {
	if that.Host == "" || that.Port == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", that.Host, that.Port)
}
