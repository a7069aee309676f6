// Package config loads service configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the service.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	WS       WSConfig       `mapstructure:"websocket"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Matching MatchingConfig `mapstructure:"matching"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents persistence configuration
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres or sqlite
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig represents the optional cross-instance fan-out bridge
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// WSConfig represents WebSocket hub configuration
type WSConfig struct {
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	SendQueueSize    int           `mapstructure:"send_queue_size"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	BroadcastBacklog int           `mapstructure:"broadcast_backlog"`
}

// AuthConfig represents session token verification settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// MatchingConfig carries the matcher limits and the scoring weights.
// The weights are empirically chosen constants; they are configuration,
// not business rules.
type MatchingConfig struct {
	DefaultLimit   int           `mapstructure:"default_limit"`
	BatchWorkers   int           `mapstructure:"batch_workers"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Weights        Weights       `mapstructure:"weights"`
}

// Weights are the tunable scoring constants for both request types.
type Weights struct {
	// Blood scoring
	BloodExactTypeBonus      float64 `mapstructure:"blood_exact_type_bonus"`
	BloodCompatibleBonus     float64 `mapstructure:"blood_compatible_bonus"`
	BloodProximityMax        float64 `mapstructure:"blood_proximity_max"`
	BloodProximityDivisorKm  float64 `mapstructure:"blood_proximity_divisor_km"`
	BloodAvailabilityBonus   float64 `mapstructure:"blood_availability_bonus"`
	BloodNonSmokerBonus      float64 `mapstructure:"blood_non_smoker_bonus"`
	BloodLowAlcoholBonus     float64 `mapstructure:"blood_low_alcohol_bonus"`
	BloodHealthyBMIBonus     float64 `mapstructure:"blood_healthy_bmi_bonus"`
	BloodRecencyMax          float64 `mapstructure:"blood_recency_max"`
	BloodRecencyDivisorDays  float64 `mapstructure:"blood_recency_divisor_days"`
	WholeBloodCooldownDays   int     `mapstructure:"whole_blood_cooldown_days"`

	// Organ scoring
	OrganCompatibilityBase float64 `mapstructure:"organ_compatibility_base"`
	OrganSizeMatchMax      float64 `mapstructure:"organ_size_match_max"`
	OrganDistanceMax       float64 `mapstructure:"organ_distance_max"`
	OrganMaxTransportKm    float64 `mapstructure:"organ_max_transport_km"`
	OrganAgeMax            float64 `mapstructure:"organ_age_max"`
	OrganAgeDivisor        float64 `mapstructure:"organ_age_divisor"`
	OrganUrgencyBoost      float64 `mapstructure:"organ_urgency_boost"`
}

// DefaultWeights returns the scoring constants carried over from the
// matching algorithm this engine reimplements.
func DefaultWeights() Weights {
	return Weights{
		BloodExactTypeBonus:     30,
		BloodCompatibleBonus:    15,
		BloodProximityMax:       30,
		BloodProximityDivisorKm: 5,
		BloodAvailabilityBonus:  20,
		BloodNonSmokerBonus:     5,
		BloodLowAlcoholBonus:    5,
		BloodHealthyBMIBonus:    5,
		BloodRecencyMax:         10,
		BloodRecencyDivisorDays: 30,
		WholeBloodCooldownDays:  56,

		OrganCompatibilityBase: 25,
		OrganSizeMatchMax:      25,
		OrganDistanceMax:       20,
		OrganMaxTransportKm:    500,
		OrganAgeMax:            15,
		OrganAgeDivisor:        2,
		OrganUrgencyBoost:      0.15,
	}
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the LIFELINE_ prefix with
// underscores, e.g. LIFELINE_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LIFELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:lifeline.db?cache=shared")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "lifeline:events")

	v.SetDefault("websocket.read_buffer_size", 4096)
	v.SetDefault("websocket.write_buffer_size", 4096)
	v.SetDefault("websocket.send_queue_size", 256)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.pong_timeout", 60*time.Second)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.broadcast_backlog", 1024)

	v.SetDefault("matching.default_limit", 5)
	v.SetDefault("matching.batch_workers", 4)
	v.SetDefault("matching.request_timeout", 30*time.Second)

	w := DefaultWeights()
	v.SetDefault("matching.weights.blood_exact_type_bonus", w.BloodExactTypeBonus)
	v.SetDefault("matching.weights.blood_compatible_bonus", w.BloodCompatibleBonus)
	v.SetDefault("matching.weights.blood_proximity_max", w.BloodProximityMax)
	v.SetDefault("matching.weights.blood_proximity_divisor_km", w.BloodProximityDivisorKm)
	v.SetDefault("matching.weights.blood_availability_bonus", w.BloodAvailabilityBonus)
	v.SetDefault("matching.weights.blood_non_smoker_bonus", w.BloodNonSmokerBonus)
	v.SetDefault("matching.weights.blood_low_alcohol_bonus", w.BloodLowAlcoholBonus)
	v.SetDefault("matching.weights.blood_healthy_bmi_bonus", w.BloodHealthyBMIBonus)
	v.SetDefault("matching.weights.blood_recency_max", w.BloodRecencyMax)
	v.SetDefault("matching.weights.blood_recency_divisor_days", w.BloodRecencyDivisorDays)
	v.SetDefault("matching.weights.whole_blood_cooldown_days", w.WholeBloodCooldownDays)
	v.SetDefault("matching.weights.organ_compatibility_base", w.OrganCompatibilityBase)
	v.SetDefault("matching.weights.organ_size_match_max", w.OrganSizeMatchMax)
	v.SetDefault("matching.weights.organ_distance_max", w.OrganDistanceMax)
	v.SetDefault("matching.weights.organ_max_transport_km", w.OrganMaxTransportKm)
	v.SetDefault("matching.weights.organ_age_max", w.OrganAgeMax)
	v.SetDefault("matching.weights.organ_age_divisor", w.OrganAgeDivisor)
	v.SetDefault("matching.weights.organ_urgency_boost", w.OrganUrgencyBoost)
}
