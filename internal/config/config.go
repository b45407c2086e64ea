package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Minecraft endpoint
	ServerHost   string
	PublicHost   string
	GamePort     int
	QueryPort    int
	RCONPort     int
	RCONPassword string
	RCONTimeout  time.Duration
	QueryTimeout time.Duration

	// Process
	WorkingDir  string
	ExecCommand string
	StopTimeout time.Duration
	Runtime     string
	DockerImage string
	// Container runtime only
	DockerContainer string
	DockerMemory    string
	// Overrides the image entrypoint when set.
	DockerCommand string

	// Service
	ListenAddr     string
	DataDir        string
	DatabasePath   string
	StatusInterval time.Duration
	Schedules      string
	LogLevel       string
	CORSOrigins    []string
}

// Load reads the configuration from the environment. Values in the dotenv file
// named by MC_ENV_FILE (default mc.env) are applied first without overriding
// variables already set.
func Load() (*Config, error) {
	envFile := envOr("MC_ENV_FILE", "mc.env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	dataDir, err := filepath.Abs(envOr("MC_DATA_DIR", "./data"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	// Docker bind mounts require absolute paths
	workDir, err := filepath.Abs(envOr("MC_SERVER_WORKING_DIRECTORY", "./"))
	if err != nil {
		return nil, err
	}

	p := parser{}
	gamePort := p.port("MC_SERVER_PORT", 25565)
	cfg := &Config{
		ServerHost:      envOr("MC_SERVER_IP", "127.0.0.1"),
		PublicHost:      envOr("MC_PUBLIC_IP", "private"),
		GamePort:        gamePort,
		QueryPort:       p.port("MC_QUERY_PORT", gamePort),
		RCONPort:        p.port("MC_RCON_PORT", 25575),
		RCONPassword:    os.Getenv("MC_RCON_PASSWORD"),
		RCONTimeout:     p.duration("MC_RCON_TIMEOUT", 5*time.Second),
		QueryTimeout:    p.duration("MC_QUERY_TIMEOUT", 5*time.Second),
		WorkingDir:      workDir,
		ExecCommand:     envOr("MC_SERVER_EXEC_COMMAND", "./start.sh"),
		StopTimeout:     time.Duration(p.integer("MC_SERVER_STOP_TIMEOUT", 5)) * time.Second,
		Runtime:         envOr("MC_RUNTIME", "exec"),
		DockerImage:     envOr("MC_DOCKER_IMAGE", "itzg/minecraft-server"),
		DockerContainer: envOr("MC_DOCKER_CONTAINER", "mcctl-minecraft"),
		DockerMemory:    os.Getenv("MC_DOCKER_MEMORY"),
		DockerCommand:   os.Getenv("MC_DOCKER_COMMAND"),
		ListenAddr:      envOr("MC_LISTEN", ":8080"),
		DataDir:         dataDir,
		DatabasePath:    envOr("MC_DB", filepath.Join(dataDir, "mcctl.db")),
		StatusInterval:  p.duration("MC_STATUS_INTERVAL", 30*time.Second),
		Schedules:       os.Getenv("MC_SCHEDULES"),
		LogLevel:        envOr("MC_LOG_LEVEL", "info"),
		CORSOrigins:     splitList(envOr("MC_CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("MC_SERVER_IP must not be empty")
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("MC_SERVER_STOP_TIMEOUT must not be negative")
	}
	if c.StatusInterval <= 0 {
		return fmt.Errorf("MC_STATUS_INTERVAL must be positive")
	}
	switch c.Runtime {
	case "exec", "docker":
	default:
		return fmt.Errorf("MC_RUNTIME must be exec or docker, got %q", c.Runtime)
	}
	return nil
}

// RCONAddr is the host:port the RCON client dials.
func (c *Config) RCONAddr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.RCONPort))
}

// JoinAddr is the address players type into the client.
func (c *Config) JoinAddr() string {
	return fmt.Sprintf("%s:%d", c.PublicHost, c.GamePort)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n
}

func (p *parser) port(key string, fallback int) int {
	n := p.integer(key, fallback)
	if (n <= 0 || n > 65535) && p.err == nil {
		p.err = fmt.Errorf("%s: port %d out of range", key, n)
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d
}
