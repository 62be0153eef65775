package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	App           AppConfig
	Stream        StreamConfig
	Store         StoreConfig
	Collaborators CollaboratorConfig
	Events        EventsConfig
	Archive       ArchiveConfig
	DevServer     DevServerConfig
}

type AppConfig struct {
	Environment   string `validate:"required"`
	LogFilePath   string `validate:"required"`
	StreamLogPath string `validate:"required"`
}

type StreamConfig struct {
	// StreamBaseURL is the websocket base for generation jobs, e.g. ws://host/ws/generate
	StreamBaseURL string `validate:"required,url"`
	// UploadURL is the websocket endpoint of the upload command channel.
	UploadURL      string        `validate:"required,url"`
	RevealInterval time.Duration `validate:"gt=0"`
	GraceDelay     time.Duration `validate:"gt=0"`
	DialTimeout    time.Duration `validate:"gt=0"`
	AuthToken      string
}

type StoreConfig struct {
	Backend  string `validate:"oneof=memory redis postgres"`
	RedisURL string
	DSN      string
	TTL      time.Duration
}

type CollaboratorConfig struct {
	QuestionStoreURL string        `validate:"required,url"`
	RequestTimeout   time.Duration `validate:"gt=0"`
	OllamaBaseURL    string
	OllamaModel      string
}

type EventsConfig struct {
	NatsURL string
}

type ArchiveConfig struct {
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
}

type DevServerConfig struct {
	Port      string `validate:"required,numeric"`
	JwtSecret string
	RedisURL  string
	// ChunkSize and ChunkInterval pace the scripted generation stream.
	ChunkSize     int           `validate:"gt=0"`
	ChunkInterval time.Duration `validate:"gt=0"`
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Environment:   getEnv("GO_ENV", "development"),
			LogFilePath:   getEnv("LOG_FILE_PATH", "logs/docforge.log"),
			StreamLogPath: getEnv("STREAM_LOG_FILE_PATH", "logs/stream.log"),
		},
		Stream: StreamConfig{
			StreamBaseURL:  getEnv("STREAM_BASE_URL", "ws://localhost:3000/ws/generate"),
			UploadURL:      getEnv("UPLOAD_URL", "ws://localhost:3000/ws/upload"),
			RevealInterval: getEnvAsDuration("REVEAL_INTERVAL", 10*time.Millisecond),
			GraceDelay:     getEnvAsDuration("COMPLETION_GRACE_DELAY", 3*time.Second),
			DialTimeout:    getEnvAsDuration("STREAM_DIAL_TIMEOUT", 10*time.Second),
			AuthToken:      getEnv("STREAM_AUTH_TOKEN", ""),
		},
		Store: StoreConfig{
			Backend:  getEnv("SESSION_STORE", "memory"),
			RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
			DSN:      getEnv("DB_CONNECTION_STRING", ""),
			TTL:      getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		},
		Collaborators: CollaboratorConfig{
			QuestionStoreURL: getEnv("QUESTION_STORE_URL", "http://localhost:3000/api"),
			RequestTimeout:   getEnvAsDuration("COLLABORATOR_TIMEOUT", 30*time.Second),
			OllamaBaseURL:    getEnv("OLLAMA_BASE_URL", ""),
			OllamaModel:      getEnv("LLM_MODEL", "llama3"),
		},
		Events: EventsConfig{
			NatsURL: getEnv("NATS_URL", ""),
		},
		Archive: ArchiveConfig{
			S3Bucket:   getEnv("ARTIFACT_S3_BUCKET", ""),
			S3Region:   getEnv("ARTIFACT_S3_REGION", "us-east-1"),
			S3Endpoint: getEnv("ARTIFACT_S3_ENDPOINT", ""),
			S3Prefix:   getEnv("ARTIFACT_S3_PREFIX", "artifacts/"),
		},
		DevServer: DevServerConfig{
			Port:          getEnv("APP_PORT", "3000"),
			JwtSecret:     getEnv("JWT_SECRET", ""),
			RedisURL:      getEnv("DEV_SERVER_REDIS_URL", ""),
			ChunkSize:     getEnvAsInt("DEV_CHUNK_SIZE", 12),
			ChunkInterval: getEnvAsDuration("DEV_CHUNK_INTERVAL", 150*time.Millisecond),
		},
	}
}

var validate = validator.New()

// Validate checks the loaded values and the backend-specific requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Store.Backend {
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("invalid config: SESSION_STORE=redis needs REDIS_URL")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("invalid config: SESSION_STORE=postgres needs DB_CONNECTION_STRING")
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
