// screenshotworker runs the screenshot fleet: it polls the configured
// SQS queue, renders each requested URL with headless Chrome, uploads
// the result to S3, and keeps the DynamoDB request record up to date.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/sirupsen/logrus"

	"github.com/snapfleet/worker/internal/config"
	"github.com/snapfleet/worker/internal/coordinator"
	"github.com/snapfleet/worker/internal/health"
	"github.com/snapfleet/worker/internal/logging"
	"github.com/snapfleet/worker/internal/objectstore"
	"github.com/snapfleet/worker/internal/queue"
	"github.com/snapfleet/worker/internal/record"
	"github.com/snapfleet/worker/internal/renderer"
	"github.com/snapfleet/worker/internal/workerpool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	store := record.NewCachingStore(record.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTableName))
	objects := objectstore.NewS3Store(s3.NewFromConfig(awsCfg), cfg.S3BucketName, cfg.AWSRegion)
	q := queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, cfg.SQSWaitTimeSeconds, cfg.SQSVisibilityTimeout)

	healthSrv := health.NewServer()
	go serveHealth(ctx, logger, cfg.HealthAddr, healthSrv)

	logger.Info("launching render engine")
	chrome, err := renderer.NewChromeRenderer(ctx)
	if err != nil {
		return fmt.Errorf("launch render engine: %w", err)
	}
	defer chrome.Close(context.Background())
	chrome.OnHealthChange = func(healthy bool) {
		if healthy {
			healthSrv.MarkReady()
		} else {
			healthSrv.MarkNotReady()
		}
	}
	healthSrv.MarkReady()

	coord := coordinator.New(store, objects, chrome, logger, coordinator.Config{
		DefaultWidth:   cfg.ScreenshotWidth,
		DefaultHeight:  cfg.ScreenshotHeight,
		RenderTimeout:  cfg.ScreenshotTimeout,
	})

	concurrency := cfg.WorkerConcurrency
	if concurrency == 0 {
		concurrency = int(cfg.SQSBatchSize)
	}
	pool := &workerpool.Pool{
		Queue:            q,
		Coordinator:      coord,
		Concurrency:      concurrency,
		ReceiveBatchSize: cfg.SQSBatchSize,
		Logger:           logger,
		ErrorHandler: func(err error) {
			logger.WithError(err).Error("worker pool error")
		},
	}

	logger.WithField("concurrency", concurrency).Info("worker pool starting")
	if code := pool.Run(ctx); code != 0 {
		return fmt.Errorf("worker pool shutdown deadline exceeded, in-flight handlers force-cancelled")
	}
	return nil
}

func serveHealth(ctx context.Context, logger *logrus.Logger, addr string, srv *health.Server) {
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("health server exited")
	}
}
