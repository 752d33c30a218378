// Package config loads the worker process's environment-variable
// configuration, per spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of environment-derived settings shared by
// cmd/screenshotworker and cmd/screenshotctl.
type Config struct {
	AWSRegion         string
	SQSQueueURL       string
	S3BucketName      string
	DynamoDBTableName string

	SQSBatchSize          int32
	SQSVisibilityTimeout  int32
	SQSWaitTimeSeconds    int32
	ScreenshotWidth       int
	ScreenshotHeight      int
	ScreenshotTimeout     time.Duration
	LogLevel              string
	LogJSON               bool
	HealthAddr            string
	WorkerConcurrency     int
}

// FromEnv reads and validates the configuration from the process
// environment. Required variables with no sensible default return an
// error naming the missing variable; everything else falls back to
// the defaults in spec.md §6.
func FromEnv() (Config, error) {
	cfg := Config{
		AWSRegion:         os.Getenv("AWS_REGION"),
		SQSQueueURL:       os.Getenv("SQS_QUEUE_URL"),
		S3BucketName:      os.Getenv("S3_BUCKET_NAME"),
		DynamoDBTableName: os.Getenv("DYNAMODB_TABLE_NAME"),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		LogJSON:           envOrDefault("LOG_JSON", "false") == "true",
		HealthAddr:        envOrDefault("HEALTH_ADDR", ":8080"),
	}

	for name, value := range map[string]string{
		"AWS_REGION":          cfg.AWSRegion,
		"SQS_QUEUE_URL":       cfg.SQSQueueURL,
		"S3_BUCKET_NAME":      cfg.S3BucketName,
		"DYNAMODB_TABLE_NAME": cfg.DynamoDBTableName,
	} {
		if value == "" {
			return Config{}, fmt.Errorf("missing required environment variable %s", name)
		}
	}

	var err error
	if cfg.SQSBatchSize, err = envInt32("SQS_BATCH_SIZE", 5); err != nil {
		return Config{}, err
	}
	if cfg.SQSVisibilityTimeout, err = envInt32("SQS_VISIBILITY_TIMEOUT", 300); err != nil {
		return Config{}, err
	}
	if cfg.SQSWaitTimeSeconds, err = envInt32("SQS_WAIT_TIME_SECONDS", 20); err != nil {
		return Config{}, err
	}
	width, err := envInt("SCREENSHOT_WIDTH", 1920)
	if err != nil {
		return Config{}, err
	}
	cfg.ScreenshotWidth = width
	height, err := envInt("SCREENSHOT_HEIGHT", 1080)
	if err != nil {
		return Config{}, err
	}
	cfg.ScreenshotHeight = height
	timeoutMs, err := envInt("SCREENSHOT_TIMEOUT", 30000)
	if err != nil {
		return Config{}, err
	}
	cfg.ScreenshotTimeout = time.Duration(timeoutMs) * time.Millisecond

	concurrency, err := envInt("WORKER_CONCURRENCY", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerConcurrency = concurrency

	return cfg, nil
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envInt32(name string, def int32) (int32, error) {
	n, err := envInt(name, int(def))
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}
