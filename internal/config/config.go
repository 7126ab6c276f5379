// Package config loads the process configuration from .env files and
// environment variables. Validation failures are ValidationErrors so
// the CLI can map them to its configuration-error exit code.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/AngelP17/YieldOps/internal/resilience"
)

// Config holds the complete application configuration.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	HTTPAddr    string

	CORSAllowOrigins     []string
	CORSAllowOriginRegex string

	// RandomSeed seeds all randomness in the process. Zero means
	// derive a seed from the wall clock at boot.
	RandomSeed int64

	LogLevel   string
	LogsFolder string

	Generator GeneratorConfig
	Scheduler SchedulerConfig

	LifecycleIntervalSeconds int
	SensorIntervalSeconds    int
	SensorAnomalyProbability float64
	AgentStaleSeconds        int
}

// GeneratorConfig is the boot-time lot generator tuning. The persisted
// singleton row, when present, overrides these per tick.
type GeneratorConfig struct {
	Enabled              bool
	IntervalSeconds      int
	MinLots              int
	MaxLots              int
	BatchSize            int
	HotLotProbability    float64
	PriorityDistribution map[int]float64
	CustomerWeights      map[string]float64
	RecipeKinds          []string
}

// SchedulerConfig is the dispatch optimizer tuning.
type SchedulerConfig struct {
	WeightPriority     float64
	WeightEfficiency   float64
	WeightDeadline     float64
	WeightQueue        float64
	EnforceRecipeMatch bool
	EnforceDeadlines   bool
	MaxAssignments     int
	RunBudgetSeconds   int
}

// Load reads .env files (binary directory first, then the working
// directory) and the environment, applies defaults, and validates.
func Load() (*Config, error) {
	if exePath, err := os.Executable(); err == nil {
		envPath := filepath.Join(filepath.Dir(exePath), ".env")
		if err := godotenv.Load(envPath); err == nil {
			log.Debug().Str("path", envPath).Msg("Loaded configuration from binary directory")
		}
	}
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found in working directory, relying on environment variables")
	}

	cfg := &Config{
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		HTTPAddr:             getEnv("HTTP_ADDR", ":8000"),
		CORSAllowOrigins:     splitList(getEnv("CORS_ALLOW_ORIGINS", "*")),
		CORSAllowOriginRegex: getEnv("CORS_ALLOW_ORIGIN_REGEX", ""),
		RandomSeed:           getEnvInt64("RANDOM_SEED", 0),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogsFolder:           getEnv("LOGS_FOLDER", ""),
		Generator: GeneratorConfig{
			Enabled:           getEnvBool("GENERATOR_ENABLED", true),
			IntervalSeconds:   getEnvInt("GENERATOR_INTERVAL_SECONDS", 15),
			MinLots:           getEnvInt("GENERATOR_MIN_LOTS", 20),
			MaxLots:           getEnvInt("GENERATOR_MAX_LOTS", 100),
			BatchSize:         getEnvInt("GENERATOR_BATCH_SIZE", 5),
			HotLotProbability: getEnvFloat("GENERATOR_HOT_LOT_PROB", 0.15),
		},
		Scheduler: SchedulerConfig{
			WeightPriority:     getEnvFloat("SCHEDULER_W_PRIORITY", 0.3),
			WeightEfficiency:   getEnvFloat("SCHEDULER_W_EFFICIENCY", 0.3),
			WeightDeadline:     getEnvFloat("SCHEDULER_W_DEADLINE", 0.2),
			WeightQueue:        getEnvFloat("SCHEDULER_W_QUEUE", 0.2),
			EnforceRecipeMatch: getEnvBool("SCHEDULER_ENFORCE_RECIPE_MATCH", true),
			EnforceDeadlines:   getEnvBool("SCHEDULER_ENFORCE_DEADLINES", false),
			MaxAssignments:     getEnvInt("SCHEDULER_MAX_ASSIGNMENTS", 5),
			RunBudgetSeconds:   getEnvInt("SCHEDULER_RUN_BUDGET_SECONDS", 60),
		},
		LifecycleIntervalSeconds: getEnvInt("LIFECYCLE_INTERVAL_SECONDS", 10),
		SensorIntervalSeconds:    getEnvInt("SENSOR_INTERVAL_SECONDS", 30),
		SensorAnomalyProbability: getEnvFloat("SENSOR_ANOMALY_PROB", 0.05),
		AgentStaleSeconds:        getEnvInt("AGENT_STALE_SECONDS", 120),
	}

	dist, err := parseIntWeightMap(getEnv("GENERATOR_PRIORITY_DIST", ""))
	if err != nil {
		return nil, err
	}
	cfg.Generator.PriorityDistribution = dist

	weights, err := parseWeightMap(getEnv("GENERATOR_CUSTOMER_WEIGHTS", ""))
	if err != nil {
		return nil, err
	}
	cfg.Generator.CustomerWeights = weights

	if kinds := getEnv("GENERATOR_RECIPE_KINDS", ""); kinds != "" {
		cfg.Generator.RecipeKinds = splitList(kinds)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Generator.IntervalSeconds < 1 {
		return resilience.Validationf("GENERATOR_INTERVAL_SECONDS must be at least 1, got %d", c.Generator.IntervalSeconds)
	}
	if c.Generator.MinLots < 0 || c.Generator.MaxLots < c.Generator.MinLots {
		return resilience.Validationf("generator lot bounds invalid: min=%d max=%d", c.Generator.MinLots, c.Generator.MaxLots)
	}
	if c.Generator.BatchSize < 1 {
		return resilience.Validationf("GENERATOR_BATCH_SIZE must be at least 1, got %d", c.Generator.BatchSize)
	}
	if p := c.Generator.HotLotProbability; p < 0 || p > 1 {
		return resilience.Validationf("GENERATOR_HOT_LOT_PROB %.3f out of range [0,1]", p)
	}
	for k, v := range c.Generator.PriorityDistribution {
		if k < 1 || k > 5 {
			return resilience.Validationf("priority distribution key %d out of range [1,5]", k)
		}
		if v < 0 {
			return resilience.Validationf("priority distribution weight for %d is negative", k)
		}
	}
	for name, w := range c.Generator.CustomerWeights {
		if w < 0 {
			return resilience.Validationf("customer weight for %q is negative", name)
		}
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"SCHEDULER_W_PRIORITY", c.Scheduler.WeightPriority},
		{"SCHEDULER_W_EFFICIENCY", c.Scheduler.WeightEfficiency},
		{"SCHEDULER_W_DEADLINE", c.Scheduler.WeightDeadline},
		{"SCHEDULER_W_QUEUE", c.Scheduler.WeightQueue},
	} {
		if w.value < 0 {
			return resilience.Validationf("%s must not be negative, got %.3f", w.name, w.value)
		}
	}
	if sum := c.Scheduler.WeightPriority + c.Scheduler.WeightEfficiency +
		c.Scheduler.WeightDeadline + c.Scheduler.WeightQueue; sum <= 0 {
		return resilience.Validationf("scheduler weights sum to %.3f, need a positive total", sum)
	}
	if c.Scheduler.MaxAssignments < 1 {
		return resilience.Validationf("SCHEDULER_MAX_ASSIGNMENTS must be at least 1, got %d", c.Scheduler.MaxAssignments)
	}
	if c.Scheduler.RunBudgetSeconds < 1 {
		return resilience.Validationf("SCHEDULER_RUN_BUDGET_SECONDS must be at least 1, got %d", c.Scheduler.RunBudgetSeconds)
	}
	if c.LifecycleIntervalSeconds < 1 {
		return resilience.Validationf("LIFECYCLE_INTERVAL_SECONDS must be at least 1, got %d", c.LifecycleIntervalSeconds)
	}
	if c.SensorIntervalSeconds < 1 {
		return resilience.Validationf("SENSOR_INTERVAL_SECONDS must be at least 1, got %d", c.SensorIntervalSeconds)
	}
	if p := c.SensorAnomalyProbability; p < 0 || p > 1 {
		return resilience.Validationf("SENSOR_ANOMALY_PROB %.3f out of range [0,1]", p)
	}
	if c.AgentStaleSeconds < 1 {
		return resilience.Validationf("AGENT_STALE_SECONDS must be at least 1, got %d", c.AgentStaleSeconds)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
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

// parseWeightMap parses "Apple:1.5,NVIDIA:1.4" into a weight map.
// Empty input yields nil so callers fall back to defaults.
func parseWeightMap(s string) (map[string]float64, error) {
	if s == "" {
		return nil, nil
	}
	out := make(map[string]float64)
	for _, part := range splitList(s) {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, resilience.Validationf("weight entry %q must be name:value", part)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, resilience.Validationf("weight entry %q has a non-numeric value", part)
		}
		out[strings.TrimSpace(key)] = w
	}
	return out, nil
}

// parseIntWeightMap parses "1:0.15,2:0.25" into a distribution map.
func parseIntWeightMap(s string) (map[int]float64, error) {
	m, err := parseWeightMap(s)
	if err != nil || m == nil {
		return nil, err
	}
	out := make(map[int]float64, len(m))
	for key, w := range m {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, resilience.Validationf("distribution key %q is not an integer", key)
		}
		out[n] = w
	}
	return out, nil
}
