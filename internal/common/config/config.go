package config

import "fmt"

type Config struct {
	App      AppConfig               `mapstructure:"app"`
	Camunda  CamundaConfig           `mapstructure:"camunda"`
	Database DatabaseConfig          `mapstructure:"database"`
	Workers  map[string]WorkerConfig `mapstructure:"workers"`
	APIs     APIsConfig              `mapstructure:"apis"`
	Matching MatchingConfig          `mapstructure:"matching"`
	Registry RegistryConfig          `mapstructure:"registry"`
	Logging  LoggingConfig           `mapstructure:"logging"`
	Server   ServerConfig            `mapstructure:"server"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	Plaintext      bool   `mapstructure:"plaintext"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	URL       string   `mapstructure:"url"` // single address shorthand
}

func (e ElasticsearchConfig) GetAddresses() []string {
	if len(e.Addresses) > 0 {
		return e.Addresses
	}
	if e.URL != "" {
		return []string{e.URL}
	}
	return nil
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // for error handling
}

type APIsConfig struct {
	GenAI GenAIConfig `mapstructure:"genai"`
}

// GenAIConfig points at the embedding endpoint of the GenAI gateway.
type GenAIConfig struct {
	BaseURL    string  `mapstructure:"base_url"`
	APIKey     string  `mapstructure:"api_key"`
	Model      string  `mapstructure:"model"`
	Dimensions int     `mapstructure:"dimensions"`
	Timeout    int     `mapstructure:"timeout"` // milliseconds
	MaxRetries int     `mapstructure:"max_retries"`
	RateLimit  float64 `mapstructure:"rate_limit"` // requests per second
	Burst      int     `mapstructure:"burst"`
}

type MatchingConfig struct {
	CacheTTL           int            `mapstructure:"cache_ttl"` // milliseconds
	LocalCacheTTL      int            `mapstructure:"local_cache_ttl"`
	CacheMaxEntries    int            `mapstructure:"cache_max_entries"`
	CacheSweepInterval int            `mapstructure:"cache_sweep_interval"` // milliseconds
	RedisCacheEnabled  bool           `mapstructure:"redis_cache_enabled"`
	Concurrency        int            `mapstructure:"concurrency"`
	DefaultLimit       int            `mapstructure:"default_limit"`
	MaxCandidates      int            `mapstructure:"max_candidates"`
	SearchIndex        string         `mapstructure:"search_index"`
	Geocoder           GeocoderConfig `mapstructure:"geocoder"`
}

type GeocoderConfig struct {
	// Source is "static" (postal_codes below) or "postgres".
	Source      string                `mapstructure:"source"`
	PostalCodes map[string]Coordinate `mapstructure:"postal_codes"`
	// CacheMaxEntries and MissTTL bound the postgres lookup memo.
	CacheMaxEntries int `mapstructure:"cache_max_entries"`
	MissTTL         int `mapstructure:"miss_ttl"` // milliseconds
}

type Coordinate struct {
	Lat float64 `mapstructure:"lat"`
	Lng float64 `mapstructure:"lng"`
}

type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}
