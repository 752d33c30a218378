// screenshotctl is the operator CLI for the screenshot fleet: it
// enqueues new capture requests and inspects request records directly
// against DynamoDB, bypassing the queue for read paths.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aquasecurity/table"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/snapfleet/worker/internal/config"
	"github.com/snapfleet/worker/internal/queue"
	"github.com/snapfleet/worker/internal/record"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "screenshotctl",
		Short:         "Enqueue and inspect screenshot capture requests",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(newEnqueueCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newListCmd())
	return root
}

type enqueueOptions struct {
	url      string
	width    int
	height   int
	format   string
	quality  int
	fullPage bool
}

func newEnqueueCmd() *cobra.Command {
	opts := enqueueOptions{}
	cmd := &cobra.Command{
		Use:   "enqueue --url URL",
		Short: "Submit a new screenshot capture request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.url == "" {
				return fmt.Errorf("--url is required")
			}
			return runEnqueue(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "", "URL to capture")
	f.IntVar(&opts.width, "width", 0, "viewport width (defaults to SCREENSHOT_WIDTH)")
	f.IntVar(&opts.height, "height", 0, "viewport height (defaults to SCREENSHOT_HEIGHT)")
	f.StringVar(&opts.format, "format", "", "png or jpeg (defaults to png)")
	f.IntVar(&opts.quality, "quality", 0, "jpeg quality 1-100 (defaults to 80)")
	f.BoolVar(&opts.fullPage, "full-page", false, "capture the full scrollable page")
	return cmd
}

func runEnqueue(ctx context.Context, opts enqueueOptions) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return err
	}
	q := queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, cfg.SQSWaitTimeSeconds, cfg.SQSVisibilityTimeout)

	requestID := uuid.NewString()
	msg := map[string]interface{}{
		"url":       opts.url,
		"requestId": requestID,
	}
	if opts.width > 0 {
		msg["width"] = opts.width
	}
	if opts.height > 0 {
		msg["height"] = opts.height
	}
	if opts.format != "" {
		msg["format"] = opts.format
	}
	if opts.quality > 0 {
		msg["quality"] = opts.quality
	}
	if opts.fullPage {
		msg["fullPage"] = opts.fullPage
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := q.Send(ctx, body); err != nil {
		return err
	}
	fmt.Printf("enqueued %s (requestId=%s)\n", opts.url, requestID)
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status REQUEST_ID",
		Short: "Show the current record for a single request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), args[0])
		},
	}
}

func runStatus(ctx context.Context, requestID string) error {
	store, err := dynamoStore(ctx)
	if err != nil {
		return err
	}
	rec, err := store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	printRecords([]record.Record{rec})
	return nil
}

func newListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List request records by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd.Context(), status, limit)
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", string(record.StatusProcessing), "status to filter by")
	f.IntVar(&limit, "limit", 20, "maximum number of records to show")
	return cmd
}

func runList(ctx context.Context, status string, limit int) error {
	store, err := dynamoStore(ctx)
	if err != nil {
		return err
	}
	records, err := store.QueryByStatus(ctx, record.Status(status), limit)
	if err != nil {
		return err
	}
	printRecords(records)
	return nil
}

func dynamoStore(ctx context.Context) (*record.DynamoDBStore, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, err
	}
	return record.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTableName), nil
}

func printRecords(records []record.Record) {
	t := table.New(os.Stdout)
	t.SetHeaders("Request ID", "Status", "URL", "Updated At", "Object URL")
	for _, rec := range records {
		t.AddRow(rec.ID, string(rec.Status), rec.URL, rec.UpdatedAt.Format("2006-01-02T15:04:05Z"), rec.ObjectURL)
	}
	t.Render()
}
