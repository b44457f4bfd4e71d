package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is built once at process start and handed to every component.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Index     IndexConfig     `mapstructure:"index"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Encoder   EncoderConfig   `mapstructure:"encoder"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Model     ModelConfig     `mapstructure:"model"`
	Sampling  SamplingConfig  `mapstructure:"sampling"`
	Training  TrainingConfig  `mapstructure:"training"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port" validate:"min=1,max=65535"`
	Mode string     `mapstructure:"mode" validate:"oneof=debug release test"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
	MaxAgeSeconds   int      `mapstructure:"max_age_seconds"`
}

// IndexConfig selects the ANN backend: qdrant, pgvector or memory.
type IndexConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=qdrant pgvector memory"`
}

type QdrantConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
	UseTLS bool   `mapstructure:"use_tls"`
}

// StorageConfig configures the artifact bucket. Type is s3, r2, s3compatible or minio.
type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

// EncoderConfig points at the sentence-embedding HTTP service.
type EncoderConfig struct {
	BaseURL          string        `mapstructure:"base_url" validate:"required"`
	Model            string        `mapstructure:"model"`
	APIKey           string        `mapstructure:"api_key"`
	Dimensions       int           `mapstructure:"dimensions" validate:"min=1"`
	BatchSize        int           `mapstructure:"batch_size" validate:"min=1"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// RedisConfig enables the cross-replica recompute lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// ModelConfig fixes the tower shapes and the artifact version served.
type ModelConfig struct {
	Version      string `mapstructure:"version"`
	EmbeddingDim int    `mapstructure:"embedding_dim" validate:"min=1"`
	TitleDim     int    `mapstructure:"title_dim" validate:"min=1"`
	MetadataDim  int    `mapstructure:"metadata_dim" validate:"min=1"`
}

type SamplingConfig struct {
	NumNegatives int     `mapstructure:"num_negatives" validate:"min=1"`
	NumSets      int     `mapstructure:"num_sets" validate:"min=1"`
	GenreRatio   float64 `mapstructure:"genre_ratio" validate:"gte=0,lte=1"`
	HardRatio    float64 `mapstructure:"hard_ratio" validate:"gte=0,lte=1"`
	Seed         int64   `mapstructure:"seed"`
	Workers      int     `mapstructure:"workers" validate:"min=1"`
}

type TrainingConfig struct {
	Epochs       int     `mapstructure:"epochs" validate:"min=1"`
	BatchSize    int     `mapstructure:"batch_size" validate:"min=1"`
	LearningRate float64 `mapstructure:"learning_rate" validate:"gt=0"`
	Temperature  float64 `mapstructure:"temperature" validate:"gt=0"`
	MaxHistory   int     `mapstructure:"max_history" validate:"min=1"`
	TestFraction float64 `mapstructure:"test_fraction" validate:"gte=0,lt=1"`
	Seed         int64   `mapstructure:"seed"`
	DataDir      string  `mapstructure:"data_dir"`
}

type RetrievalConfig struct {
	MinUsersWithRatings int `mapstructure:"min_users_with_ratings" validate:"min=0"`
	MinPositiveRatings  int `mapstructure:"min_positive_ratings" validate:"min=0"`
	ColdStartGenreLimit int `mapstructure:"cold_start_genre_limit" validate:"min=0"`
	ColdStartRandom     int `mapstructure:"cold_start_random" validate:"min=0"`
	SimilarUsers        int `mapstructure:"similar_users" validate:"min=1"`
	MaxCandidates       int `mapstructure:"max_candidates" validate:"min=1,max=300"`
	MaxHistory          int `mapstructure:"max_history" validate:"min=1"`
}

type RerankConfig struct {
	TopN                int     `mapstructure:"top_n" validate:"min=1"`
	CurrentYear         int     `mapstructure:"current_year"`
	NumEstimators       int     `mapstructure:"n_estimators" validate:"min=1"`
	LearningRate        float64 `mapstructure:"learning_rate" validate:"gt=0"`
	NumLeaves           int     `mapstructure:"num_leaves" validate:"min=2"`
	MaxDepth            int     `mapstructure:"max_depth"`
	MinChildSamples     int     `mapstructure:"min_child_samples" validate:"min=1"`
	EarlyStoppingRounds int     `mapstructure:"early_stopping_rounds" validate:"min=0"`
	ValidationFraction  float64 `mapstructure:"validation_fraction" validate:"gte=0,lt=1"`
	EvalNegatives       int     `mapstructure:"eval_negatives" validate:"min=1"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format" validate:"oneof=json text"`
	File        string `mapstructure:"file"`
	FileOnly    bool   `mapstructure:"file_only"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads configuration from the optional file at configPath, the process
// environment and a .env file, in increasing order of precedence for secrets.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.dsn", "DATABASE_URL")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("encoder.base_url", "ENCODER_BASE_URL")
	v.BindEnv("encoder.api_key", "ENCODER_API_KEY")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("model.version", "MODEL_VERSION")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.cors.max_age_seconds", 600)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/movierec.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "movierec")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("index.backend", "qdrant")
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)

	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.bucket", "movierec-models")
	v.SetDefault("storage.prefix", "models")

	v.SetDefault("encoder.base_url", "http://localhost:8001")
	v.SetDefault("encoder.model", "all-MiniLM-L6-v2")
	v.SetDefault("encoder.dimensions", 384)
	v.SetDefault("encoder.batch_size", 64)
	v.SetDefault("encoder.timeout", "30s")
	v.SetDefault("encoder.failure_threshold", 5)
	v.SetDefault("encoder.open_timeout", "30s")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "30s")

	v.SetDefault("model.version", "latest")
	v.SetDefault("model.embedding_dim", 512)
	v.SetDefault("model.title_dim", 384)
	v.SetDefault("model.metadata_dim", 384)

	v.SetDefault("sampling.num_negatives", 64)
	v.SetDefault("sampling.num_sets", 10)
	v.SetDefault("sampling.genre_ratio", 0.8)
	v.SetDefault("sampling.hard_ratio", 0.5)
	v.SetDefault("sampling.seed", 42)
	v.SetDefault("sampling.workers", 4)

	v.SetDefault("training.epochs", 25)
	v.SetDefault("training.batch_size", 256)
	v.SetDefault("training.learning_rate", 0.001)
	v.SetDefault("training.temperature", 0.07)
	v.SetDefault("training.max_history", 50)
	v.SetDefault("training.test_fraction", 0.2)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.data_dir", "./data/training")

	v.SetDefault("retrieval.min_users_with_ratings", 50)
	v.SetDefault("retrieval.min_positive_ratings", 10)
	v.SetDefault("retrieval.cold_start_genre_limit", 8)
	v.SetDefault("retrieval.cold_start_random", 2)
	v.SetDefault("retrieval.similar_users", 50)
	v.SetDefault("retrieval.max_candidates", 300)
	v.SetDefault("retrieval.max_history", 50)

	v.SetDefault("rerank.top_n", 10)
	v.SetDefault("rerank.current_year", 0)
	v.SetDefault("rerank.n_estimators", 100)
	v.SetDefault("rerank.learning_rate", 0.05)
	v.SetDefault("rerank.num_leaves", 31)
	v.SetDefault("rerank.max_depth", 6)
	v.SetDefault("rerank.min_child_samples", 20)
	v.SetDefault("rerank.early_stopping_rounds", 10)
	v.SetDefault("rerank.validation_fraction", 0.2)
	v.SetDefault("rerank.eval_negatives", 99)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "movierec")
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Encoder.Dimensions != c.Model.TitleDim || c.Encoder.Dimensions != c.Model.MetadataDim {
		return fmt.Errorf("invalid config: encoder dimensions %d must match model title_dim %d and metadata_dim %d",
			c.Encoder.Dimensions, c.Model.TitleDim, c.Model.MetadataDim)
	}
	if c.Retrieval.ColdStartGenreLimit+c.Retrieval.ColdStartRandom == 0 {
		return fmt.Errorf("invalid config: cold start path would return no candidates")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN() == "" {
		return fmt.Errorf("invalid config: postgres driver requires a dsn or host")
	}
	return nil
}
