package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"falconlink/pkg/models"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// Control channel (TCP)
	ControlAddr       string
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	ControlReadBuffer int
	ControlMaxFrame   int

	// Media channel (UDP)
	MediaListenAddr string
	MediaBufferSize int
	MediaSeparator  string
	CameraList      []string

	// Reconnect
	ReconnectInterval      time.Duration
	MaxReconnectAttempts   int
	ReconnectBackoffFactor float64
	ReconnectMaxInterval   time.Duration
	ReconnectOnRemoteClose bool

	EventBufferSize int

	// HTTP Server
	HTTPAddr string

	// Storage
	StorageType   string // "local" or "gcs"
	StorageDir    string
	GCSProjectID  string
	GCSBucketName string
	GCSBaseDir    string

	// Still archive
	StillInterval time.Duration
	MaxStills     int

	// Journal, empty disables it
	JournalPath string

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadEnvFile loads variables from a .env file without overriding the
// environment. A missing default file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		ControlAddr:       getEnv("CONTROL_ADDR", "127.0.0.1:5100"),
		ConnectTimeout:    getDurationEnv("CONNECT_TIMEOUT", 3*time.Second),
		WriteTimeout:      getDurationEnv("WRITE_TIMEOUT", 3*time.Second),
		ControlReadBuffer: getIntEnv("CONTROL_READ_BUFFER", 4096),
		ControlMaxFrame:   getIntEnv("CONTROL_MAX_FRAME", 4<<20),

		MediaListenAddr: getEnv("MEDIA_LISTEN_ADDR", ":4100"),
		MediaBufferSize: getIntEnv("MEDIA_BUFFER_SIZE", 65536),
		MediaSeparator:  getEnv("MEDIA_SEPARATOR", ":"),
		CameraList:      getListEnv("CAMERAS", []string{"A", "B"}),

		ReconnectInterval:      getDurationEnv("RECONNECT_INTERVAL", 3*time.Second),
		MaxReconnectAttempts:   getIntEnv("MAX_RECONNECT_ATTEMPTS", 3),
		ReconnectBackoffFactor: getFloatEnv("RECONNECT_BACKOFF_FACTOR", 1),
		ReconnectMaxInterval:   getDurationEnv("RECONNECT_MAX_INTERVAL", 30*time.Second),
		ReconnectOnRemoteClose: getBoolEnv("RECONNECT_ON_REMOTE_CLOSE", true),

		EventBufferSize: getIntEnv("EVENT_BUFFER_SIZE", 256),

		HTTPAddr: getEnv("HTTP_ADDR", ":8090"),

		StorageType:   getEnv("STORAGE_TYPE", "local"),
		StorageDir:    getEnv("STORAGE_DIR", "./data/archive"),
		GCSProjectID:  getEnv("GCS_PROJECT_ID", ""),
		GCSBucketName: getEnv("GCS_BUCKET_NAME", ""),
		GCSBaseDir:    getEnv("GCS_BASE_DIR", "falconlink"),

		StillInterval: getDurationEnv("STILL_INTERVAL", 5*time.Second),
		MaxStills:     getIntEnv("MAX_STILLS", 20),

		JournalPath: getEnvAllowEmpty("JOURNAL_PATH", "./data/journal.db"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate rejects settings no component could run with
func (c *Config) Validate() error {
	switch {
	case c.ControlAddr == "":
		return errors.New("CONTROL_ADDR must be set")
	case c.MediaListenAddr == "":
		return errors.New("MEDIA_LISTEN_ADDR must be set")
	case c.ControlReadBuffer <= 0 || c.ControlMaxFrame <= 0:
		return errors.New("control buffer sizes must be positive")
	case c.MediaBufferSize <= 0:
		return errors.New("MEDIA_BUFFER_SIZE must be positive")
	case c.MediaSeparator == "":
		return errors.New("MEDIA_SEPARATOR must not be empty")
	case strings.ContainsAny(c.MediaSeparator, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"):
		return errors.Errorf("MEDIA_SEPARATOR %q must not contain camera letters", c.MediaSeparator)
	case c.MaxReconnectAttempts < 0:
		return errors.New("MAX_RECONNECT_ATTEMPTS must not be negative")
	case c.ReconnectInterval <= 0:
		return errors.New("RECONNECT_INTERVAL must be positive")
	case c.StorageType != "local" && c.StorageType != "gcs":
		return errors.Errorf("unknown STORAGE_TYPE %q", c.StorageType)
	case c.StorageType == "gcs" && (c.GCSProjectID == "" || c.GCSBucketName == ""):
		return errors.New("GCS_PROJECT_ID and GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs")
	}

	if len(c.CameraList) == 0 {
		return errors.New("CAMERAS must name at least one camera")
	}
	for _, camera := range c.CameraList {
		if len(camera) != 1 || camera[0] < 'A' || camera[0] > 'Z' {
			return errors.Errorf("camera id %q must be a single uppercase letter", camera)
		}
	}
	return nil
}

// Cameras returns the configured camera ids
func (c *Config) Cameras() []models.CameraID {
	cameras := make([]models.CameraID, 0, len(c.CameraList))
	for _, camera := range c.CameraList {
		cameras = append(cameras, models.CameraID(camera))
	}
	return cameras
}

// ReconnectPolicy builds the supervisor's retry policy
func (c *Config) ReconnectPolicy() models.ReconnectPolicy {
	return models.ReconnectPolicy{
		Interval:      c.ReconnectInterval,
		MaxAttempts:   c.MaxReconnectAttempts,
		BackoffFactor: c.ReconnectBackoffFactor,
		MaxInterval:   c.ReconnectMaxInterval,
		OnRemoteClose: c.ReconnectOnRemoteClose,
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.ToUpper(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
