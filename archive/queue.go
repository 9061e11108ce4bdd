package archive

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"taskhub/domain"
)

// NotificationMessage is the queue payload consumed by delivery workers.
type NotificationMessage struct {
	ID          int64                   `json:"id"`
	RecipientID int64                   `json:"recipientId"`
	Type        domain.NotificationType `json:"type"`
	Title       string                  `json:"title"`
	Message     string                  `json:"message"`
	TaskID      *int64                  `json:"taskId,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
}

// NotificationQueue forwards stored notifications to an Azure queue.
type NotificationQueue struct {
	queue *azqueue.QueueClient
}

func NewNotificationQueue(queue *azqueue.QueueClient) *NotificationQueue {
	return &NotificationQueue{queue: queue}
}

// NewNotificationQueueFromConnectionString builds the outbox on the named queue.
func NewNotificationQueueFromConnectionString(connStr, queue string) (*NotificationQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
	if err != nil {
		return nil, err
	}
	return NewNotificationQueue(q), nil
}

// Enqueue implements service.Outbox.
func (q *NotificationQueue) Enqueue(ctx context.Context, n domain.Notification) error {
	body, err := encodeNotification(n)
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, body, nil)
	return err
}

func encodeNotification(n domain.Notification) (string, error) {
	return sonic.MarshalString(NotificationMessage{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		TaskID:      n.TaskID,
		CreatedAt:   n.CreatedAt,
	})
}
