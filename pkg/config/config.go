package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP         HTTP         `envPrefix:"HTTP_"`
		Logger       Logger       `envPrefix:"LOGGER_"`
		Telemetry    Telemetry    `envPrefix:"TELEMETRY_"`
		Redis        Redis        `envPrefix:"REDIS_"`
		Store        Store        `envPrefix:"STORE_"`
		MemCache     MemCache     `envPrefix:"MEMCACHE_"`
		Archive      Archive      `envPrefix:"ARCHIVE_"`
		Upstream     Upstream     `envPrefix:"UPSTREAM_"`
		Connectivity Connectivity `envPrefix:"CONNECTIVITY_"`
		Dispatch     Dispatch     `envPrefix:"DISPATCH_"`
	}

	HTTP struct {
		Server  Server        `envPrefix:"SERVER_"`
		Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
	}

	Server struct {
		Port         string        `env:"PORT" envDefault:"8080"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level    string `env:"LEVEL" envDefault:"info"`
		Encoding string `env:"ENCODING" envDefault:"console"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"guide-helper-tilelayer"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"otel-collector.observability.svc.cluster.local:4317"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"720h"`
	}

	// Store selects the persistent tile store that sits in front of the network.
	Store struct {
		Backend string        `env:"BACKEND" envDefault:"sqlite"` // map, filesystem, sqlite, redis
		Path    string        `env:"PATH" envDefault:"tiles.db"`
		MaxAge  time.Duration `env:"MAX_AGE" envDefault:"168h"`
		Workers int64         `env:"WORKERS" envDefault:"4"`
	}

	MemCache struct {
		Size int `env:"SIZE" envDefault:"512"`
	}

	Archive struct {
		Paths   []string `env:"PATHS" envSeparator:","`
		Workers int64    `env:"WORKERS" envDefault:"4"`
	}

	Upstream struct {
		Enabled       bool          `env:"ENABLED" envDefault:"true"`
		TileServerURL string        `env:"TILE_SERVER_URL" envDefault:"https://tile.openstreetmap.org/{z}/{x}/{y}.png"`
		UserAgent     string        `env:"USER_AGENT" envDefault:"GuideHelper/1.0 (https://github.com/jaennil/guide_helper)"`
		Referer       string        `env:"REFERER" envDefault:""`
		Timeout       time.Duration `env:"TIMEOUT" envDefault:"30s"`
		Workers       int64         `env:"WORKERS" envDefault:"8"`
		MinZoom       int           `env:"MIN_ZOOM" envDefault:"0"`
		MaxZoom       int           `env:"MAX_ZOOM" envDefault:"19"`
		TileSize      int           `env:"TILE_SIZE" envDefault:"256"`
		DefaultTTL    time.Duration `env:"DEFAULT_TTL" envDefault:"168h"`
		MaxTileSize   int64         `env:"MAX_TILE_SIZE" envDefault:"2097152"`
	}

	Connectivity struct {
		ProbeEnabled      bool          `env:"PROBE_ENABLED" envDefault:"true"`
		ProbeAddr         string        `env:"PROBE_ADDR" envDefault:"tile.openstreetmap.org:443"`
		ProbeInterval     time.Duration `env:"PROBE_INTERVAL" envDefault:"15s"`
		ProbeTimeout      time.Duration `env:"PROBE_TIMEOUT" envDefault:"3s"`
		UseDataConnection bool          `env:"USE_DATA_CONNECTION" envDefault:"true"`
	}

	Dispatch struct {
		WaitTimeout time.Duration `env:"WAIT_TIMEOUT" envDefault:"10s"`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
