package livefeed

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueMirror copies every event onto an Azure storage queue for consumers
// outside the API (reporting, audit).
type QueueMirror struct {
	queue queueClient
}

// NewQueueMirror connects to the named queue.
func NewQueueMirror(connStr, queueName string) (*QueueMirror, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueMirror{queue: q}, nil
}

// Publish enqueues the base64 encoded event, the encoding Azure Functions
// queue triggers expect by default.
func (q *QueueMirror) Publish(ctx context.Context, ev domain.Event) error {
	data, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(data), nil)
	return err
}

// Fanout publishes to several targets. The first target is the primary one:
// its error is returned to the caller. Failures of the others are logged.
type Fanout struct {
	primary Publisher
	mirrors []Publisher
	logger  *log.Logger
}

func NewFanout(logger *log.Logger, primary Publisher, mirrors ...Publisher) *Fanout {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Fanout{primary: primary, mirrors: mirrors, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, ev domain.Event) error {
	if f.primary == nil {
		return errors.New("livefeed: no primary publisher")
	}
	err := f.primary.Publish(ctx, ev)
	for _, m := range f.mirrors {
		if merr := m.Publish(ctx, ev); merr != nil {
			f.logger.WithError(merr).WithFields(log.Fields{
				"action":  ev.Action,
				"task_id": ev.TaskID(),
			}).Warn("mirror publish failed")
		}
	}
	return err
}
