// Package config builds runtime configuration from environment variables so
// main stays lean. Every tunable has a default that works for local
// development; production overrides come from the environment only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Server     Server
	Redis      Redis
	Postgres   Postgres
	Kafka      Kafka
	Cache      Cache
	Scheduler  Scheduler
	Classifier Classifier
	Batch      Batch
	Events     Events
	Gateway    Gateway
	Refresh    Refresh
	Downstream Downstream
}

// Downstream configures the payer verification client. An empty BaseURL
// switches the service to the in-process stub (local development, tests).
type Downstream struct {
	BaseURL     string
	HTTPTimeout time.Duration
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Redis configures the shared redis client. An empty URL disables redis and
// falls back to in-memory stores.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Postgres configures the durable job/checkpoint store. An empty DSN disables
// it and falls back to the redis (or in-memory) checkpoint store.
type Postgres struct {
	DSN string
}

// Kafka configures the completion event log. Empty brokers switch the
// pipeline to the in-process log (single-binary deployments, tests).
type Kafka struct {
	Brokers          []string
	CompletionsTopic string
	DeadLetterTopic  string
	Partitions       int
	// ReplicationFactor for created topics; -1 takes the broker default,
	// which keeps single-broker dev clusters working.
	ReplicationFactor int
}

// Cache holds result cache TTLs. Success results stay valid for tens of
// hours; negative results are retried much sooner.
type Cache struct {
	SuccessTTL time.Duration
	ErrorTTL   time.Duration
}

// Scheduler holds fair-scheduler tunables. ConcurrencyCap mirrors the hard
// downstream limit of simultaneous in-flight verifications.
type Scheduler struct {
	ConcurrencyCap     int
	InteractiveQuantum int
	StandardQuantum    int
	BatchQuantum       int
	CallTimeout        time.Duration
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
}

// Classifier holds the direct-vs-batch decision matrix thresholds.
type Classifier struct {
	BatchPopulationThreshold int
	SaturationDeferThreshold float64
}

// Batch holds batch engine tunables, including the local-time bands used by
// scheduling windows.
type Batch struct {
	ChunkSize              int
	PollInitialInterval    time.Duration
	PollMaxInterval        time.Duration
	JobTimeout             time.Duration
	ThrottleHighWatermark  float64
	ThrottlePauseWatermark float64
	BusinessHoursBand      TimeBand
	MorningBand            TimeBand
	EveningBand            TimeBand
	LowUtilizationBand     TimeBand
}

// Events holds consumer-side pipeline tunables.
type Events struct {
	ConsumerMaxRetries int
	ConsumerRetryDelay time.Duration
	PublishMaxRetries  int
}

// Gateway holds delivery gateway tunables. An empty JWTSecret disables token
// verification and treats every connection as anonymous.
type Gateway struct {
	HeartbeatInterval    time.Duration
	WriteTimeout         time.Duration
	OutboundQueueSize    int
	PushFailureThreshold int
	JWTSecret            string
}

// Refresh holds the scheduled member-refresh trigger. An empty spec disables
// the cron.
type Refresh struct {
	CronSpec string
	Coverage string
	Window   string
}

// TimeBand is a daily local-time window, e.g. 09:00-17:00.
type TimeBand struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

// Contains reports whether the local time t falls inside the band. Bands that
// wrap midnight (22:00-04:00) are handled.
func (b TimeBand) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	start := b.StartHour*60 + b.StartMinute
	end := b.EndHour*60 + b.EndMinute
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// Span returns the band duration.
func (b TimeBand) Span() time.Duration {
	start := b.StartHour*60 + b.StartMinute
	end := b.EndHour*60 + b.EndMinute
	if start <= end {
		return time.Duration(end-start) * time.Minute
	}
	return time.Duration(24*60-start+end) * time.Minute
}

// FromEnv builds the full configuration from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            envString("ELIGIBILITY_ADDR", ":8080"),
			ShutdownTimeout: envDuration("ELIGIBILITY_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: Postgres{
			DSN: os.Getenv("POSTGRES_DSN"),
		},
		Kafka: Kafka{
			Brokers:           envStrings("KAFKA_BROKERS", nil),
			CompletionsTopic:  envString("KAFKA_COMPLETIONS_TOPIC", "eligibility.completions"),
			DeadLetterTopic:   envString("KAFKA_DLQ_TOPIC", "eligibility.completions.dlq"),
			Partitions:        envInt("KAFKA_PARTITIONS", 12),
			ReplicationFactor: envInt("KAFKA_REPLICATION_FACTOR", -1),
		},
		Cache: Cache{
			SuccessTTL: envDuration("CACHE_SUCCESS_TTL", 36*time.Hour),
			ErrorTTL:   envDuration("CACHE_ERROR_TTL", 5*time.Minute),
		},
		Scheduler: Scheduler{
			ConcurrencyCap:     envInt("SCHEDULER_CONCURRENCY_CAP", 15),
			InteractiveQuantum: envInt("SCHEDULER_INTERACTIVE_QUANTUM", 8),
			StandardQuantum:    envInt("SCHEDULER_STANDARD_QUANTUM", 4),
			BatchQuantum:       envInt("SCHEDULER_BATCH_QUANTUM", 1),
			CallTimeout:        envDuration("SCHEDULER_CALL_TIMEOUT", 2*time.Minute),
			MaxRetries:         envInt("SCHEDULER_MAX_RETRIES", 3),
			RetryBaseDelay:     envDuration("SCHEDULER_RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:      envDuration("SCHEDULER_RETRY_MAX_DELAY", 30*time.Second),
		},
		Classifier: Classifier{
			BatchPopulationThreshold: envInt("CLASSIFIER_BATCH_THRESHOLD", 1000),
			SaturationDeferThreshold: envFloat("CLASSIFIER_SATURATION_DEFER", 0.8),
		},
		Batch: Batch{
			ChunkSize:              envInt("BATCH_CHUNK_SIZE", 10000),
			PollInitialInterval:    envDuration("BATCH_POLL_INITIAL_INTERVAL", 15*time.Second),
			PollMaxInterval:        envDuration("BATCH_POLL_MAX_INTERVAL", 5*time.Minute),
			JobTimeout:             envDuration("BATCH_JOB_TIMEOUT", 6*time.Hour),
			ThrottleHighWatermark:  envFloat("BATCH_THROTTLE_HIGH_WATERMARK", 0.7),
			ThrottlePauseWatermark: envFloat("BATCH_THROTTLE_PAUSE_WATERMARK", 0.9),
			BusinessHoursBand:      envBand("BATCH_BUSINESS_HOURS_BAND", TimeBand{StartHour: 9, EndHour: 17}),
			MorningBand:            envBand("BATCH_MORNING_BAND", TimeBand{StartHour: 6, EndHour: 10}),
			EveningBand:            envBand("BATCH_EVENING_BAND", TimeBand{StartHour: 18, EndHour: 22}),
			LowUtilizationBand:     envBand("BATCH_LOW_UTILIZATION_BAND", TimeBand{StartHour: 1, EndHour: 5}),
		},
		Events: Events{
			ConsumerMaxRetries: envInt("EVENTS_CONSUMER_MAX_RETRIES", 3),
			ConsumerRetryDelay: envDuration("EVENTS_CONSUMER_RETRY_DELAY", time.Second),
			PublishMaxRetries:  envInt("EVENTS_PUBLISH_MAX_RETRIES", 5),
		},
		Gateway: Gateway{
			HeartbeatInterval:    envDuration("GATEWAY_HEARTBEAT_INTERVAL", 30*time.Second),
			WriteTimeout:         envDuration("GATEWAY_WRITE_TIMEOUT", 10*time.Second),
			OutboundQueueSize:    envInt("GATEWAY_OUTBOUND_QUEUE_SIZE", 64),
			PushFailureThreshold: envInt("GATEWAY_PUSH_FAILURE_THRESHOLD", 3),
			JWTSecret:            os.Getenv("GATEWAY_JWT_SECRET"),
		},
		Refresh: Refresh{
			CronSpec: os.Getenv("REFRESH_CRON_SPEC"),
			Coverage: envString("REFRESH_COVERAGE", "active"),
			Window:   envString("REFRESH_WINDOW", "LOW_UTILIZATION"),
		},
		Downstream: Downstream{
			BaseURL:     os.Getenv("DOWNSTREAM_BASE_URL"),
			HTTPTimeout: envDuration("DOWNSTREAM_HTTP_TIMEOUT", 3*time.Minute),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envStrings(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// envBand parses "HH:MM-HH:MM".
func envBand(key string, fallback TimeBand) TimeBand {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	band, err := ParseTimeBand(v)
	if err != nil {
		return fallback
	}
	return band
}

// ParseTimeBand parses a band spec of the form "HH:MM-HH:MM".
func ParseTimeBand(raw string) (TimeBand, error) {
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return TimeBand{}, fmt.Errorf("time band %q: want HH:MM-HH:MM", raw)
	}
	sh, sm, err := parseClock(parts[0])
	if err != nil {
		return TimeBand{}, fmt.Errorf("time band %q: %w", raw, err)
	}
	eh, em, err := parseClock(parts[1])
	if err != nil {
		return TimeBand{}, fmt.Errorf("time band %q: %w", raw, err)
	}
	return TimeBand{StartHour: sh, StartMinute: sm, EndHour: eh, EndMinute: em}, nil
}

func parseClock(raw string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("clock %q: want HH:MM", raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("clock %q: bad hour", raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock %q: bad minute", raw)
	}
	return hour, minute, nil
}
