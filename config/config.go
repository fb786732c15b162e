package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	// Database. DBDriver is one of mysql, postgres, sqlite.
	DBDriver   string `env:"DB_DRIVER" envDefault:"mysql"`
	DBHost     string `env:"DB_HOST" envDefault:"127.0.0.1"`
	DBPort     string `env:"DB_PORT" envDefault:"3306"`
	DBUser     string `env:"DB_USER" envDefault:"root"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"synthfm"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"synthfm.db"`
	DBLogSQL   bool   `env:"DB_LOG_SQL" envDefault:"false"`

	// Redis is the job broker and the event bus.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`

	// QueueBackend is redis or memory. The memory queue only works when the
	// worker runs inside the server process.
	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"redis"`
	QueueName    string `env:"QUEUE_NAME" envDefault:"synth:jobs"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT" envDefault:"127.0.0.1:9000"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"music-synth-backend"`
	MinioRegion    string `env:"MINIO_REGION" envDefault:"us-east-1"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	JWTSecret string        `env:"JWT_SECRET" envDefault:"change-me"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"720h"`

	// WorkDir holds staged uploads, transform output and download temp files.
	WorkDir string `env:"WORK_DIR" envDefault:"./temp"`

	SynthCommand      string        `env:"SYNTH_COMMAND" envDefault:"python3 synth.py"`
	GenreModelsDir    string        `env:"GENRE_MODELS_DIR" envDefault:"ml_models"`
	TransformTimeout  time.Duration `env:"TRANSFORM_TIMEOUT" envDefault:"10m"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"2"`

	AllowedExtensions []string `env:"ALLOWED_EXTENSIONS" envSeparator:"," envDefault:".mid,.midi,.mp3,.wav"`
	MaxUploadBytes    int64    `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`
	UploadsPerMinute  int      `env:"UPLOADS_PER_MINUTE" envDefault:"30"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"30"`
}

// StagingDir is where uploads wait for the worker.
func (c *Config) StagingDir() string {
	return filepath.Join(c.WorkDir, "staging")
}

// OutputDir is where the transform writes its results.
func (c *Config) OutputDir() string {
	return filepath.Join(c.WorkDir, "output")
}

// DownloadDir holds blobs fetched for a download request.
func (c *Config) DownloadDir() string {
	return filepath.Join(c.WorkDir, "downloads")
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() (*Config, error) {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.QueueBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	for i, ext := range c.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.AllowedExtensions[i] = ext
	}
	return nil
}
