package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// SQS is the queue backed by an Amazon SQS standard queue.
type SQS struct {
	client   *sqs.SQS
	queueURL string
}

func NewSQS(sess *session.Session, queueURL string) *SQS {
	return &SQS{client: sqs.New(sess), queueURL: queueURL}
}

func (q *SQS) Send(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

func (q *SQS) Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error) {
	if max > 10 {
		max = 10
	}
	out, err := q.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: aws.Int64(int64(max)),
		WaitTimeSeconds:     aws.Int64(int64(wait / time.Second)),
		VisibilityTimeout:   aws.Int64(int64(visibility / time.Second)),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:      aws.StringValue(m.MessageId),
			Receipt: aws.StringValue(m.ReceiptHandle),
			Body:    []byte(aws.StringValue(m.Body)),
		})
	}
	return msgs, nil
}

func (q *SQS) Delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// Release is a no-op: the message reappears once its visibility timeout
// runs out.
func (q *SQS) Release(ctx context.Context, receipt string) error {
	return nil
}

// Skip is a no-op. The message stays in the queue for other consumers and
// moves to the dead-letter queue once its receive count runs out.
func (q *SQS) Skip(ctx context.Context, receipt string) error {
	return nil
}

func (q *SQS) Ping(ctx context.Context) error {
	_, err := q.client.GetQueueAttributesWithContext(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []*string{aws.String(sqs.QueueAttributeNameApproximateNumberOfMessages)},
	})
	return err
}

func (q *SQS) Close() {}
