package queue

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSQueue is the production Queue, backed by a single SQS queue URL.
// Redelivery on handler failure/timeout and dead-lettering after M
// receives are both configured on the queue itself (visibility
// timeout and redrive policy) — this adapter does not track attempt
// counts, per spec.md §4.4 and §9.
type SQSQueue struct {
	client            *sqs.Client
	queueURL          string
	waitTimeSeconds   int32
	visibilityTimeout int32
}

// NewSQSQueue builds a Queue against queueURL using an
// already-configured SQS client.
func NewSQSQueue(client *sqs.Client, queueURL string, waitTimeSeconds, visibilityTimeout int32) *SQSQueue {
	return &SQSQueue{
		client:            client,
		queueURL:          queueURL,
		waitTimeSeconds:   waitTimeSeconds,
		visibilityTimeout: visibilityTimeout,
	}
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int32) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     q.waitTimeSeconds,
		VisibilityTimeout:   q.visibilityTimeout,
	})
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
		})
	}
	return messages, nil
}

func (q *SQSQueue) Ack(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	return err
}

// Send publishes a new message body — used by screenshotctl's enqueue
// subcommand, the thin external intake collaborator of spec.md §1.
func (q *SQSQueue) Send(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	return err
}
