// Package config loads server settings from the environment and node
// settings from a YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridforce/fleet/internal/core/db"
)

type Database struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     string
}

// Enabled reports whether a database is configured. Without one the server
// keeps challenges in memory and reads keys from the key directory.
func (d Database) Enabled() bool { return d.Host != "" }

func (d Database) DSN() string {
	return db.DSN(d.Host, d.User, d.Password, d.Name, d.Port)
}

type Server struct {
	HTTPAddr          string
	Database          Database
	KeyDir            string
	SecureAuth        bool
	StaleAfter        time.Duration
	ChallengeTTL      time.Duration
	ReplayBufferBytes int
	ProvisionScript   string
	PublicURL         string
	StaticDir         string
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (*Server, error) {
	s := &Server{
		HTTPAddr:        getEnv("FLEET_HTTP_ADDR", ":8080"),
		KeyDir:          os.Getenv("FLEET_KEY_DIR"),
		ProvisionScript: os.Getenv("FLEET_PROVISION_SCRIPT"),
		PublicURL:       getEnv("FLEET_PUBLIC_URL", "http://localhost:8080"),
		StaticDir:       getEnv("FLEET_STATIC_DIR", "./downloads"),
		Database: Database{
			Host:     os.Getenv("DB_HOST"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "gridforce"),
			Port:     getEnv("DB_PORT", "5432"),
		},
	}

	var errs []error
	var err error
	if s.SecureAuth, err = envBool("FLEET_SECURE_AUTH", true); err != nil {
		errs = append(errs, err)
	}
	if s.StaleAfter, err = envSeconds("FLEET_STALE_AFTER_SEC", 90); err != nil {
		errs = append(errs, err)
	}
	if s.ChallengeTTL, err = envSeconds("FLEET_CHALLENGE_TTL_SEC", 60); err != nil {
		errs = append(errs, err)
	}
	if s.ReplayBufferBytes, err = envInt("FLEET_REPLAY_BUFFER_BYTES", 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := url.Parse(s.PublicURL); err != nil {
		errs = append(errs, fmt.Errorf("FLEET_PUBLIC_URL: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Node configures a node agent. Operators use the same file to identify
// themselves to the server.
type Node struct {
	UID               string        `yaml:"uid"`
	PrivateKeyPath    string        `yaml:"private_key_path"`
	ServerRootPath    string        `yaml:"server_root_path"`
	PreauthSource     string        `yaml:"preauth_source"`
	Executor          string        `yaml:"executor"`
	DockerContainer   string        `yaml:"docker_container"`
	DockerImage       string        `yaml:"docker_image"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	SecureAuth        bool          `yaml:"secure_auth"`
	LogFiles          []string      `yaml:"log_files"`
	JournalUnits      []string      `yaml:"journal_units"`
}

const (
	ExecutorPTY    = "pty"
	ExecutorDocker = "docker"
)

func DefaultNode() *Node {
	return &Node{
		ServerRootPath:    "ws://localhost:8080/ws",
		PreauthSource:     "http://localhost:8080/preauth",
		Executor:          ExecutorPTY,
		TelemetryInterval: 30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		SecureAuth:        true,
	}
}

// LoadNode reads path over the defaults, then applies FLEET_NODE_*
// environment overrides. An empty path uses defaults and environment only.
func LoadNode(path string) (*Node, error) {
	n := DefaultNode()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read node config: %w", err)
		}
		if err := yaml.Unmarshal(data, n); err != nil {
			return nil, fmt.Errorf("failed to parse node config %s: %w", path, err)
		}
	}
	if err := n.applyEnv(); err != nil {
		return nil, err
	}
	return n, n.Validate()
}

func (n *Node) applyEnv() error {
	for key, dst := range map[string]*string{
		"FLEET_NODE_UID":              &n.UID,
		"FLEET_NODE_PRIVATE_KEY_PATH": &n.PrivateKeyPath,
		"FLEET_NODE_SERVER_ROOT_PATH": &n.ServerRootPath,
		"FLEET_NODE_PREAUTH_SOURCE":   &n.PreauthSource,
		"FLEET_NODE_EXECUTOR":         &n.Executor,
		"FLEET_NODE_DOCKER_CONTAINER": &n.DockerContainer,
		"FLEET_NODE_DOCKER_IMAGE":     &n.DockerImage,
	} {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var err error
	if n.TelemetryInterval, err = envDuration("FLEET_NODE_TELEMETRY_INTERVAL", n.TelemetryInterval); err != nil {
		return err
	}
	if n.ReconnectDelay, err = envDuration("FLEET_NODE_RECONNECT_DELAY", n.ReconnectDelay); err != nil {
		return err
	}
	if n.SecureAuth, err = envBool("FLEET_NODE_SECURE_AUTH", n.SecureAuth); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("FLEET_NODE_LOG_FILES"); ok {
		n.LogFiles = strings.FieldsFunc(v, func(r rune) bool { return r == ',' })
	}
	if v, ok := os.LookupEnv("FLEET_NODE_JOURNAL_UNITS"); ok {
		n.JournalUnits = strings.FieldsFunc(v, func(r rune) bool { return r == ',' })
	}
	return nil
}

func (n *Node) Validate() error {
	if len(n.UID) != 36 {
		return fmt.Errorf("node uid must be 36 characters, got %q", n.UID)
	}
	if n.SecureAuth && n.PrivateKeyPath == "" {
		return fmt.Errorf("private_key_path is required when secure_auth is enabled")
	}
	switch n.Executor {
	case ExecutorPTY:
	case ExecutorDocker:
		if n.DockerContainer == "" {
			return fmt.Errorf("docker_container is required for the docker executor")
		}
	default:
		return fmt.Errorf("unknown executor %q", n.Executor)
	}
	if n.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	return nil
}

// ConnectURL is the websocket URL carrying token.
func (n *Node) ConnectURL(token string) string {
	return strings.TrimRight(n.ServerRootPath, "/") + "/" + url.PathEscape(token)
}

// PreauthURL is where the salt for this node is fetched.
func (n *Node) PreauthURL() string {
	return strings.TrimRight(n.PreauthSource, "/") + "/" + url.PathEscape(n.UID)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func envSeconds(key string, fallback int) (time.Duration, error) {
	secs, err := envInt(key, fallback)
	return time.Duration(secs) * time.Second, err
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
