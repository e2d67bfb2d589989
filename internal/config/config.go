// Package config holds the engine configuration: router thresholds, retry
// envelope, cache sizing, memory merge threshold, budget defaults, feature
// gates, and per-tenant overrides. Values load from defaults, then env vars
// with the CASCADE_ prefix (a .env file is read by the CLI via godotenv, the
// same way the shell loads its tiers).
package config

import (
	"os"
	"strconv"
	"time"
)

// Thresholds are the router's difficulty cut-offs. Lowering a value broadens
// the plan.
type Thresholds struct {
	Expand    float64
	Teacher   float64
	Decompose float64
	Recurse   float64
	Context   float64
}

// Retry is the scheduler's stage retry envelope.
type Retry struct {
	MaxAttempts   int
	BaseBackoffMs int64
	JitterMs      int64
}

// Features are the global stage enable gates. A disabled feature elides its
// stage from every plan.
type Features struct {
	Expand    bool
	Teacher   bool
	Student   bool
	Decompose bool
	Recurse   bool
	Refine    bool
	Context   bool
	Memory    bool
}

// Config is the full engine configuration.
type Config struct {
	RouterThresholds     Thresholds
	SchedulerRetry       Retry
	StageGraceMs         int64
	CacheMaxEntries      int
	CacheDefaultTTL      time.Duration
	MemoryMergeThreshold float64
	MemoryPath           string
	TraceLogPath         string
	TraceRingSize        int
	RecursionDepthMax    int

	// Budget defaults fill fields the caller omits (zero values).
	DefaultMaxWallMs       int64
	DefaultMaxCostMicros   int64
	DefaultMaxTeacherCalls int
	DefaultMaxStudentCalls int
	DefaultMaxStages       int

	Features Features

	// DenyPatterns reject candidate answers at synthesis (placeholder text,
	// partial prompt reflection).
	DenyPatterns []string

	// TenantOverrides replace the base feature gates for specific tenants.
	TenantOverrides map[string]Features
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		RouterThresholds: Thresholds{
			Expand:    0.3,
			Teacher:   0.5,
			Decompose: 0.6,
			Recurse:   0.6,
			Context:   0.7,
		},
		SchedulerRetry: Retry{
			MaxAttempts:   3,
			BaseBackoffMs: 100,
			JitterMs:      50,
		},
		StageGraceMs:         250,
		CacheMaxEntries:      4096,
		CacheDefaultTTL:      5 * time.Minute,
		MemoryMergeThreshold: 0.8,
		TraceRingSize:        256,
		RecursionDepthMax:    1,

		DefaultMaxWallMs:       30_000,
		DefaultMaxCostMicros:   1_000_000,
		DefaultMaxTeacherCalls: 2,
		DefaultMaxStudentCalls: 4,
		DefaultMaxStages:       12,

		Features: Features{
			Expand: true, Teacher: true, Student: true, Decompose: true,
			Recurse: true, Refine: true, Context: true, Memory: true,
		},

		DenyPatterns: []string{
			"lorem ipsum",
			"as an ai language model",
			"[insert answer here]",
			"todo:",
		},
		TenantOverrides: make(map[string]Features),
	}
}

// FromEnv returns Default overridden by any CASCADE_* env vars that are set.
//
// Expectations:
//   - Unset vars leave the default untouched
//   - Malformed numeric values are ignored, not fatal
//   - Feature gates parse "true"/"false"
func FromEnv() Config {
	cfg := Default()
	envFloat("CASCADE_ROUTER_THRESHOLD_EXPAND", &cfg.RouterThresholds.Expand)
	envFloat("CASCADE_ROUTER_THRESHOLD_TEACHER", &cfg.RouterThresholds.Teacher)
	envFloat("CASCADE_ROUTER_THRESHOLD_DECOMPOSE", &cfg.RouterThresholds.Decompose)
	envFloat("CASCADE_ROUTER_THRESHOLD_RECURSE", &cfg.RouterThresholds.Recurse)
	envFloat("CASCADE_ROUTER_THRESHOLD_CONTEXT", &cfg.RouterThresholds.Context)

	envInt("CASCADE_RETRY_MAX_ATTEMPTS", &cfg.SchedulerRetry.MaxAttempts)
	envInt64("CASCADE_RETRY_BASE_BACKOFF_MS", &cfg.SchedulerRetry.BaseBackoffMs)
	envInt64("CASCADE_RETRY_JITTER_MS", &cfg.SchedulerRetry.JitterMs)
	envInt64("CASCADE_STAGE_GRACE_MS", &cfg.StageGraceMs)

	envInt("CASCADE_CACHE_MAX_ENTRIES", &cfg.CacheMaxEntries)
	if v, ok := envLookupInt64("CASCADE_CACHE_DEFAULT_TTL_MS"); ok {
		cfg.CacheDefaultTTL = time.Duration(v) * time.Millisecond
	}
	envFloat("CASCADE_MEMORY_MERGE_THRESHOLD", &cfg.MemoryMergeThreshold)
	envString("CASCADE_MEMORY_PATH", &cfg.MemoryPath)
	envString("CASCADE_TRACE_LOG_PATH", &cfg.TraceLogPath)
	envInt("CASCADE_RECURSION_DEPTH_MAX", &cfg.RecursionDepthMax)

	envInt64("CASCADE_BUDGET_DEFAULT_MAX_WALL_MS", &cfg.DefaultMaxWallMs)
	envInt64("CASCADE_BUDGET_DEFAULT_MAX_COST_MICROS", &cfg.DefaultMaxCostMicros)
	envInt("CASCADE_BUDGET_DEFAULT_MAX_TEACHER_CALLS", &cfg.DefaultMaxTeacherCalls)
	envInt("CASCADE_BUDGET_DEFAULT_MAX_STUDENT_CALLS", &cfg.DefaultMaxStudentCalls)
	envInt("CASCADE_BUDGET_DEFAULT_MAX_STAGES", &cfg.DefaultMaxStages)

	envBool("CASCADE_FEATURE_EXPAND", &cfg.Features.Expand)
	envBool("CASCADE_FEATURE_TEACHER", &cfg.Features.Teacher)
	envBool("CASCADE_FEATURE_STUDENT", &cfg.Features.Student)
	envBool("CASCADE_FEATURE_DECOMPOSE", &cfg.Features.Decompose)
	envBool("CASCADE_FEATURE_RECURSE", &cfg.Features.Recurse)
	envBool("CASCADE_FEATURE_REFINE", &cfg.Features.Refine)
	envBool("CASCADE_FEATURE_CONTEXT", &cfg.Features.Context)
	envBool("CASCADE_FEATURE_MEMORY", &cfg.Features.Memory)
	return cfg
}

// FeaturesFor returns the effective feature gates for a tenant.
func (c Config) FeaturesFor(tenant string) Features {
	if f, ok := c.TenantOverrides[tenant]; ok {
		return f
	}
	return c.Features
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envLookupInt64(key string) (int64, bool) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true"
	}
}
