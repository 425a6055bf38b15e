package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string
	ProjectRoot string
	// AllowedRoots may be relative, in which case they hang off ProjectRoot.
	AllowedRoots      []string
	RelocationMarkers []string
	TemplatesFile     string

	NumParserWorkers int
	ParserQueueSize  int

	AutoIngestMaxFiles int
	AutoIngestInterval time.Duration
	WatchDirs          []string
	WatchDebounce      time.Duration

	EventChannel   string
	ImageQueueFile string

	HTTPAddr string

	LogLevel string
	LogFile  string
}

func New() (*Config, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}

	projectRoot := os.Getenv("PROJECT_ROOT")
	if projectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("unable to determine project root: %w", err)
		}
		projectRoot = wd
	}
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid PROJECT_ROOT %q: %w", projectRoot, err)
	}

	cfg := &Config{
		DatabaseURL:        databaseURL,
		ProjectRoot:        projectRoot,
		AllowedRoots:       getEnvAsList("ALLOWED_ROOTS", []string{"data/raw", "data/input", "downloads", "temp/outputs"}),
		RelocationMarkers:  getEnvAsList("RELOCATION_MARKERS", []string{"data/raw/", "data/input/", "downloads/", "temp/outputs/"}),
		TemplatesFile:      getEnv("TEMPLATES_FILE", "config/templates.yaml"),
		NumParserWorkers:   4,
		ParserQueueSize:    64,
		AutoIngestMaxFiles: 50,
		AutoIngestInterval: 15 * time.Minute,
		WatchDirs:          getEnvAsList("WATCH_DIRS", nil),
		WatchDebounce:      5 * time.Second,
		EventChannel:       getEnv("EVENT_CHANNEL", "data_ingested"),
		ImageQueueFile:     getEnv("IMAGE_QUEUE_FILE", "temp/queues/image_tasks.json"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            os.Getenv("LOG_FILE"),
	}

	cfg.NumParserWorkers, err = getEnvAsInt("NUM_PARSER_WORKERS", cfg.NumParserWorkers)
	if err != nil {
		return nil, err
	}

	cfg.ParserQueueSize, err = getEnvAsInt("PARSER_QUEUE_SIZE", cfg.ParserQueueSize)
	if err != nil {
		return nil, err
	}

	cfg.AutoIngestMaxFiles, err = getEnvAsInt("AUTO_INGEST_MAX_FILES", cfg.AutoIngestMaxFiles)
	if err != nil {
		return nil, err
	}

	cfg.AutoIngestInterval, err = getEnvAsDuration("AUTO_INGEST_INTERVAL", cfg.AutoIngestInterval)
	if err != nil {
		return nil, err
	}

	cfg.WatchDebounce, err = getEnvAsDuration("WATCH_DEBOUNCE", cfg.WatchDebounce)
	if err != nil {
		return nil, err
	}

	if cfg.NumParserWorkers <= 0 {
		return nil, fmt.Errorf("NUM_PARSER_WORKERS must be positive, got %d", cfg.NumParserWorkers)
	}
	if cfg.AutoIngestMaxFiles <= 0 {
		return nil, fmt.Errorf("AUTO_INGEST_MAX_FILES must be positive, got %d", cfg.AutoIngestMaxFiles)
	}

	return cfg, nil
}

// ResolvePath anchors a relative configured path at the project root.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

func getEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected an integer, got '%s'", key, valueStr)
	}

	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected a duration, got '%s'", key, valueStr)
	}

	return value, nil
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
