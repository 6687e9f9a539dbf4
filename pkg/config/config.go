package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Neo4j     Neo4jConfig
	Zilliz    ZillizConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Search    SearchConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Executor  ExecutorConfig
	Health    HealthConfig
	Pipeline  PipelineConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int `validate:"min=1,max=65535"`
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	Development  bool

	// AllowedOrigins feeds CORS and the connect-src CSP directive.
	AllowedOrigins []string
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type ZillizConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int `validate:"min=1"`
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider       string
	BaseURL        string
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type SearchConfig struct {
	Enabled    bool
	SerpAPIKey string
	MaxResults int
	TimeoutSec int
	Sites      []string
	Scrape     bool
}

type CacheConfig struct {
	MaxSize             int     `validate:"min=1,max=5000"`
	TTLSec              int     `validate:"min=1"`
	SimilarityThreshold float64 `validate:"gt=0,lte=1"`
}

// WindowConfig is one token-bucket window: Capacity admissions per WindowSec.
type WindowConfig struct {
	Capacity  int `validate:"min=1"`
	WindowSec int `validate:"min=1"`
}

type RateLimitConfig struct {
	MaxIdentifiers int            `validate:"min=1"`
	Session        []WindowConfig `validate:"dive"`
	Targets        map[string][]WindowConfig
}

type BreakerConfig struct {
	FailureThreshold int `validate:"min=1"`
	OpenDurationSec  int `validate:"min=1"`
}

type ExecutorConfig struct {
	MaxConcurrency   int `validate:"min=1"`
	CallTimeoutMS    int `validate:"min=1"`
	MaxRetries       int `validate:"min=0"`
	InitialBackoffMS int
	MaxBackoffMS     int
	BackoffFactor    float64
	Jitter           float64
}

type HealthConfig struct {
	UnhealthyAfter   int `validate:"min=1"`
	HealthyAfter     int `validate:"min=1"`
	ProbeIntervalSec int
	ProbeTimeoutSec  int
	Critical         []string
}

type PipelineConfig struct {
	RequestTimeoutMS  int     `validate:"min=1"`
	DefaultTopK       int     `validate:"min=1"`
	ConfidenceFloor   float64 `validate:"gte=0,lte=1"`
	ValidationPenalty float64 `validate:"gt=0,lte=1"`
	DefaultPersona    string  `validate:"oneof=citizen legal journalist business"`
	EmbedTimeoutMS    int     `validate:"min=1"`

	// MinEvidence below which web search supplements retrieval.
	MinEvidence int `validate:"min=0"`
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/civic-agent")

	v.SetEnvPrefix("CIVIC_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks struct-tag constraints on a loaded configuration.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.development", false)
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:3000"})

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "civic_corpus")
	v.SetDefault("zilliz.vectorDim", 1536)

	v.SetDefault("sqlite.path", "./data/civic.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.baseURL", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 20)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("search.enabled", true)
	v.SetDefault("search.maxResults", 5)
	v.SetDefault("search.timeoutSec", 8)
	v.SetDefault("search.sites", []string{"parliament.go.ke", "kenyalaw.org", "treasury.go.ke"})
	v.SetDefault("search.scrape", true)

	v.SetDefault("cache.maxSize", 2000)
	v.SetDefault("cache.ttlSec", 3600)
	v.SetDefault("cache.similarityThreshold", 0.92)

	v.SetDefault("ratelimit.maxIdentifiers", 10000)
	v.SetDefault("ratelimit.session", []map[string]any{
		{"capacity": 20, "windowSec": 60},
		{"capacity": 300, "windowSec": 3600},
	})
	v.SetDefault("ratelimit.targets", map[string]any{
		"generation": []map[string]any{{"capacity": 500, "windowSec": 60}},
		"retrieval":  []map[string]any{{"capacity": 1000, "windowSec": 60}},
		"graph":      []map[string]any{{"capacity": 1000, "windowSec": 60}},
		"websearch":  []map[string]any{{"capacity": 30, "windowSec": 60}, {"capacity": 1000, "windowSec": 86400}},
	})

	v.SetDefault("breaker.failureThreshold", 5)
	v.SetDefault("breaker.openDurationSec", 30)

	v.SetDefault("executor.maxConcurrency", 16)
	v.SetDefault("executor.callTimeoutMS", 8000)
	v.SetDefault("executor.maxRetries", 2)
	v.SetDefault("executor.initialBackoffMS", 200)
	v.SetDefault("executor.maxBackoffMS", 2000)
	v.SetDefault("executor.backoffFactor", 2.0)
	v.SetDefault("executor.jitter", 0.2)

	v.SetDefault("health.unhealthyAfter", 3)
	v.SetDefault("health.healthyAfter", 2)
	v.SetDefault("health.probeIntervalSec", 30)
	v.SetDefault("health.probeTimeoutSec", 5)
	v.SetDefault("health.critical", []string{"cache", "network"})

	v.SetDefault("pipeline.requestTimeoutMS", 25000)
	v.SetDefault("pipeline.defaultTopK", 8)
	v.SetDefault("pipeline.confidenceFloor", 0.3)
	v.SetDefault("pipeline.validationPenalty", 0.5)
	v.SetDefault("pipeline.defaultPersona", "citizen")
	v.SetDefault("pipeline.embedTimeoutMS", 2000)
	v.SetDefault("pipeline.minEvidence", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
