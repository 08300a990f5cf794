package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     Server
	Mongo      Mongo
	Redis      Redis
	Envelope   Envelope
	RateLimit  RateLimit
	Liveness   Liveness
	Delivery   Delivery
	Auth       Auth
	LoggerMode LoggerMode
}

type Server struct {
	Addr   string
	Region string
}

type Mongo struct {
	URI      string
	Database string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Envelope struct {
	TTL           time.Duration
	SweepInterval time.Duration
	DrainLimit    int
}

type RateLimit struct {
	Max    int
	Window time.Duration
}

type Liveness struct {
	ProbeInterval time.Duration
}

type Delivery struct {
	// FanoutAll pushes handle-addressed envelopes to every live device of
	// the account; when false only the most recently seen device is pushed.
	FanoutAll bool
}

type Auth struct {
	TokenTTL      time.Duration
	VerifyTimeout time.Duration
}

type LoggerMode struct {
	Development bool
}

func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Run entirely on defaults.
			return v, nil
		}
		return nil, err
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return nil, errors.New("ratelimit max and window must be positive")
	}
	if c.Envelope.TTL <= 0 {
		return nil, errors.New("envelope ttl must be positive")
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "localhost:9090")
	v.SetDefault("server.region", "local")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "relay")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("envelope.ttl", 24*time.Hour)
	v.SetDefault("envelope.sweepinterval", time.Hour)
	v.SetDefault("envelope.drainlimit", 100)
	v.SetDefault("ratelimit.max", 50)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("liveness.probeinterval", 30*time.Second)
	v.SetDefault("delivery.fanoutall", true)
	v.SetDefault("auth.tokenttl", 720*time.Hour)
	v.SetDefault("auth.verifytimeout", 5*time.Second)
	v.SetDefault("loggermode.development", false)
}
