package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/agarvision/leaf-disease-service/inference"
	"github.com/spf13/pflag"
)

const (
	DefaultModelPath    = "member_modules/thisara_disease/model/agarwood_leaf_disease_model.onnx"
	DefaultRemediesPath = "member_modules/thisara_disease/remedies.json"
	DefaultAddr         = ":8080"
	MaxUploadBytes      = 10 << 20
)

type Config struct {
	Addr         string
	ModelPath    string
	MetadataPath string
	RemediesPath string
	LibraryPath  string
	PoolSize     int
	Preload      bool
	Debug        bool
	AppEnv       string
}

// loadConfig reads the environment and lets command line flags override it.
func loadConfig(args []string) (Config, error) {
	poolSize, err := getEnvInt("POOL_SIZE", inference.DefaultPoolSize)
	if err != nil {
		return Config{}, err
	}
	preload, err := getEnvBool("PRELOAD", false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:         defaultAddr(),
		ModelPath:    getEnv("THISARA_MODEL_PATH", DefaultModelPath),
		MetadataPath: os.Getenv("THISARA_METADATA_PATH"),
		RemediesPath: getEnv("THISARA_REMEDIES_PATH", DefaultRemediesPath),
		LibraryPath:  os.Getenv("ONNXRUNTIME_LIB"),
		PoolSize:     poolSize,
		Preload:      preload,
		Debug:        os.Getenv("DEBUG") == "true",
		AppEnv:       os.Getenv("APP_ENV"),
	}

	fs := pflag.NewFlagSet("leaf-disease-service", pflag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "ONNX model artifact")
	fs.StringVar(&cfg.MetadataPath, "metadata", cfg.MetadataPath, "model metadata JSON (default: next to the model)")
	fs.StringVar(&cfg.RemediesPath, "remedies", cfg.RemediesPath, "label to remedies JSON")
	fs.StringVar(&cfg.LibraryPath, "ort-lib", cfg.LibraryPath, "onnxruntime shared library")
	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "maximum concurrent model sessions")
	fs.BoolVar(&cfg.Preload, "preload", cfg.Preload, "load the model before serving")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "log per-request timings")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.ModelPath == "" {
		return Config{}, fmt.Errorf("model path must not be empty")
	}
	if cfg.PoolSize <= 0 {
		return Config{}, fmt.Errorf("pool size must be positive, got %d", cfg.PoolSize)
	}
	return cfg, nil
}

func (c Config) Development() bool {
	return c.AppEnv == "development" || c.Debug
}

func defaultAddr() string {
	if addr := os.Getenv("ADDR"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return DefaultAddr
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}
