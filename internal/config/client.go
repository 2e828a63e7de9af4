package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Client configures the terminal client. Flags only pick the game to play.
type Client struct {
	LogLevel  string     `yaml:"log-level" env:"CLIENT_LOG_LEVEL" env-default:"warn"`
	Transport string     `yaml:"transport" env:"CLIENT_TRANSPORT" env-default:"relay"`
	RelayURL  string     `yaml:"relay-url" env:"CLIENT_RELAY_URL" env-default:"ws://localhost:7777/ws"`
	NATSURL   string     `yaml:"nats-url" env:"CLIENT_NATS_URL" env-default:"nats://127.0.0.1:4222"`
	Link      ClientLink `yaml:"link"`
}

// ClientLink holds the reconnect and liveness timings. A zero PingInterval or
// IdleTimeout turns that timer off.
type ClientLink struct {
	BaseDelay    time.Duration `yaml:"base-delay" env:"CLIENT_BASE_DELAY" env-default:"1s"`
	MaxAttempts  int           `yaml:"max-attempts" env:"CLIENT_MAX_ATTEMPTS" env-default:"3"`
	PingInterval time.Duration `yaml:"ping-interval" env:"CLIENT_PING_INTERVAL" env-default:"30s"`
	PongTimeout  time.Duration `yaml:"pong-timeout" env:"CLIENT_PONG_TIMEOUT" env-default:"10s"`
	IdleTimeout  time.Duration `yaml:"idle-timeout" env:"CLIENT_IDLE_TIMEOUT" env-default:"60s"`
	DialTimeout  time.Duration `yaml:"dial-timeout" env:"CLIENT_DIAL_TIMEOUT" env-default:"10s"`
}

// LoadClient reads path when given, otherwise only the environment.
func LoadClient(path string) (*Client, error) {
	config := &Client{}

	var err error
	if path == "" {
		err = cleanenv.ReadEnv(config)
	} else {
		err = cleanenv.ReadConfig(path, config)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load client config: %w", err)
	}

	return config, nil
}
