package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (session revocation)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// AWS services
	AWSRegion      string
	SESFromEmail   string
	SNSPlatformARN string // platform application ARN for push endpoints

	// Per-connection rate limiting
	RateCapacity       int
	RateRefillInterval time.Duration
	RateRefillAmount   int

	// Notification dispatcher
	DispatchTick time.Duration

	// Presence sweeping
	PresenceSweepInterval time.Duration
	PresenceMaxOfflineAge time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "vaivahik",
		DBPassword: "",
		DBName:     "realtime",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		JWTSecret: "",
		JWTTTL:    24 * time.Hour,

		AWSRegion:    "ap-south-1",
		SESFromEmail: "noreply@vaivahik.local",

		RateCapacity:       10,
		RateRefillInterval: 10 * time.Second,
		RateRefillAmount:   1,

		DispatchTick: 1 * time.Second,

		PresenceSweepInterval: 10 * time.Minute,
		PresenceMaxOfflineAge: 1 * time.Hour,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Auth config
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if ttl := os.Getenv("JWT_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT_TTL: %w", err)
		}
		cfg.JWTTTL = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if arn := os.Getenv("SNS_PLATFORM_ARN"); arn != "" {
		cfg.SNSPlatformARN = arn
	}

	// Rate limit config
	if capacity := os.Getenv("RATE_CAPACITY"); capacity != "" {
		c, err := strconv.Atoi(capacity)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_CAPACITY: %w", err)
		}
		cfg.RateCapacity = c
	}

	if interval := os.Getenv("RATE_REFILL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_REFILL_INTERVAL: %w", err)
		}
		cfg.RateRefillInterval = d
	}

	if amount := os.Getenv("RATE_REFILL_AMOUNT"); amount != "" {
		a, err := strconv.Atoi(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_REFILL_AMOUNT: %w", err)
		}
		cfg.RateRefillAmount = a
	}

	// Dispatcher config
	if tick := os.Getenv("DISPATCH_TICK"); tick != "" {
		d, err := time.ParseDuration(tick)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_TICK: %w", err)
		}
		cfg.DispatchTick = d
	}

	// Presence config
	if interval := os.Getenv("PRESENCE_SWEEP_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid PRESENCE_SWEEP_INTERVAL: %w", err)
		}
		cfg.PresenceSweepInterval = d
	}

	if age := os.Getenv("PRESENCE_MAX_OFFLINE_AGE"); age != "" {
		d, err := time.ParseDuration(age)
		if err != nil {
			return nil, fmt.Errorf("invalid PRESENCE_MAX_OFFLINE_AGE: %w", err)
		}
		cfg.PresenceMaxOfflineAge = d
	}

	return cfg, nil
}
