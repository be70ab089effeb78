package config

import (
	"log"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Identity of the host whose ports the session endpoints are published on.
	HostIP string `envconfig:"HOST_IP" default:"localhost"`

	DockerHost string `envconfig:"DOCKER_HOST" default:""`

	JWTSecret string `envconfig:"JWT_SECRET" default:"change-me-in-production"`
	TokenTTL  string `envconfig:"TOKEN_TTL" default:"24h"`

	// Session container settings. Limits are fixed per session, not per user.
	SessionImage  string `envconfig:"SESSION_IMAGE" default:"tsl0922/ttyd:latest"`
	SessionMemory string `envconfig:"SESSION_MEMORY" default:"128m"`
	SessionCPUs   string `envconfig:"SESSION_CPUS" default:"0.5"`
	SessionPids   int64  `envconfig:"SESSION_PIDS" default:"50"`

	PortRangeStart int `envconfig:"PORT_RANGE_START" default:"8090"`
	PortRangeEnd   int `envconfig:"PORT_RANGE_END" default:"8190"`
	MaxSessions    int `envconfig:"MAX_SESSIONS" default:"100"`

	IdleTimeout  string `envconfig:"IDLE_TIMEOUT" default:"30m"`
	ReapInterval string `envconfig:"REAP_INTERVAL" default:"60s"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3002"`

	GrafanaURL    string `envconfig:"GRAFANA_URL" default:""`
	GrafanaAPIKey string `envconfig:"GRAFANA_API_KEY" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMHIVE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "termhive.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "termhive.log")
	}
}
