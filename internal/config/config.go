// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/hair-overlay/internal/landmark"
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StateTTL      time.Duration

	DetectorAddr    string
	DetectorTimeout time.Duration

	JWTSecret   string
	JWTAudience string

	CatalogPath    string
	AssetDir       string
	DefaultOpacity float64

	MaxFramePixels int
	MaxSurfaces    int

	Topology      landmark.Topology
	UpwardBias    float64
	SurfaceWidth  int
	SurfaceHeight int

	RateLimit float64
	RateBurst int

	LogLevel string
	LogFile  string
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),

		DatabaseDSN:   getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=overlay port=5432 sslmode=disable"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0, &errs),
		StateTTL:      getDuration("STATE_TTL", 12*time.Hour, &errs),

		DetectorAddr:    os.Getenv("DETECTOR_ADDR"),
		DetectorTimeout: getDuration("DETECTOR_TIMEOUT", 500*time.Millisecond, &errs),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),

		CatalogPath:    getEnv("CATALOG_PATH", "assets/catalog.yaml"),
		AssetDir:       getEnv("ASSET_DIR", "assets"),
		DefaultOpacity: getFloat("DEFAULT_OPACITY", 1, &errs),

		MaxFramePixels: getInt("MAX_FRAME_PIXELS", 4096*4096, &errs),
		MaxSurfaces:    getInt("MAX_SURFACES", 1024, &errs),

		Topology: landmark.Topology{
			Left:   getInt("LANDMARK_LEFT", landmark.FaceMesh.Left, &errs),
			Right:  getInt("LANDMARK_RIGHT", landmark.FaceMesh.Right, &errs),
			Anchor: getInt("LANDMARK_ANCHOR", landmark.FaceMesh.Anchor, &errs),
			Chin:   getInt("LANDMARK_CHIN", landmark.FaceMesh.Chin, &errs),
			Nose:   getInt("LANDMARK_NOSE", landmark.FaceMesh.Nose, &errs),
		},
		UpwardBias:    getFloat("UPWARD_BIAS", 0, &errs),
		SurfaceWidth:  getInt("SURFACE_WIDTH", 0, &errs),
		SurfaceHeight: getInt("SURFACE_HEIGHT", 0, &errs),

		RateLimit: getFloat("RATE_LIMIT", 30, &errs),
		RateBurst: getInt("RATE_BURST", 60, &errs),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.DefaultOpacity < 0 || c.DefaultOpacity > 1 {
		return fmt.Errorf("DEFAULT_OPACITY must be within [0,1], got %v", c.DefaultOpacity)
	}
	if !c.Topology.Valid() {
		return fmt.Errorf("landmark topology is invalid: %+v", c.Topology)
	}
	if (c.SurfaceWidth == 0) != (c.SurfaceHeight == 0) || c.SurfaceWidth < 0 || c.SurfaceHeight < 0 {
		return errors.New("SURFACE_WIDTH and SURFACE_HEIGHT must both be set to positive values or both left unset")
	}
	if c.MaxFramePixels <= 0 || c.MaxSurfaces <= 0 {
		return errors.New("MAX_FRAME_PIXELS and MAX_SURFACES must be positive")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("RATE_LIMIT and RATE_BURST must be positive")
	}
	if c.CatalogPath == "" {
		return errors.New("CATALOG_PATH is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
