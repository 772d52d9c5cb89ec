package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/asepindrak/commitflow/domain"
	"github.com/asepindrak/commitflow/flush"
)

// serverIDNamespace scopes ids derived from correlation ids.
var serverIDNamespace = uuid.MustParse("6f1d2b8e-3c4a-5e7f-9a0b-1c2d3e4f5a6b")

type commandQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Deduper remembers which idempotency keys were already delivered.
type Deduper interface {
	Add(ctx context.Context, userID, key string) (bool, error)
	Remove(ctx context.Context, userID, key string) error
}

// NewQueueFromConnectionString opens the command queue with the retry policy
// used for backend writes.
func NewQueueFromConnectionString(connStr, queueName string) (*azqueue.QueueClient, error) {
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
	return azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
}

// QueueExecutor sends each operation as a command envelope.
type QueueExecutor struct {
	queue  commandQueue
	dedupe Deduper
	userID string
	clock  *commandClock
	logger *log.Logger
}

// NewQueueExecutor creates an executor for userID. dedupe may be nil.
func NewQueueExecutor(queue commandQueue, dedupe Deduper, userID string, logger *log.Logger) *QueueExecutor {
	if queue == nil {
		panic("remote.NewQueueExecutor: command queue is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &QueueExecutor{queue: queue, dedupe: dedupe, userID: userID, clock: newCommandClock(), logger: logger}
}

// ServerID returns the permanent id the backend assigns to the entity created
// with correlationID.
func ServerID(correlationID string) string {
	return uuid.NewSHA1(serverIDNamespace, []byte(correlationID)).String()
}

// Executors maps every operation kind to this executor.
func (q *QueueExecutor) Executors() flush.Executors {
	out := make(flush.Executors, len(domain.AllKinds()))
	for _, k := range domain.AllKinds() {
		out[k] = q.Execute
	}
	return out
}

// Execute delivers op and returns the server id for creates.
func (q *QueueExecutor) Execute(ctx context.Context, op domain.Operation) (string, error) {
	if op.Payload == nil {
		return "", &domain.RemoteError{Status: http.StatusBadRequest, Message: "operation has no payload"}
	}

	var serverID string
	key := op.ID
	if op.Kind.IsCreate() {
		corr := op.CorrelationID()
		if corr == "" {
			return "", &domain.RemoteError{Status: http.StatusBadRequest, Err: domain.ErrMissingCorrelation}
		}
		serverID = ServerID(corr)
		key = corr
	}

	data, err := commandData(op.Payload, serverID)
	if err != nil {
		return "", &domain.RemoteError{Status: http.StatusBadRequest, Message: "encode command data", Err: err}
	}
	env := CommandEnvelope{
		UserID: q.userID,
		Command: Command{
			ID:             key,
			IdempotencyKey: key,
			EntityType:     string(entityType(op.Kind)),
			Type:           string(op.Kind),
			Data:           data,
			Timestamp:      q.clock.stamp(op.CreatedAt),
		},
	}
	body, err := sonic.MarshalString(env)
	if err != nil {
		return "", &domain.RemoteError{Status: http.StatusBadRequest, Message: "encode command", Err: err}
	}

	if q.dedupe != nil {
		added, err := q.dedupe.Add(ctx, q.userID, key)
		if err != nil {
			return "", fmt.Errorf("dedupe %s: %w", key, err)
		}
		if !added {
			q.logger.WithFields(log.Fields{"kind": op.Kind, "key": key}).Debug("remote.command already delivered")
			return serverID, nil
		}
	}

	if _, err := q.queue.EnqueueMessage(ctx, body, nil); err != nil {
		if q.dedupe != nil {
			if rerr := q.dedupe.Remove(context.WithoutCancel(ctx), q.userID, key); rerr != nil {
				q.logger.WithError(rerr).WithField("key", key).Warn("remote.dedupe rollback failed")
			}
		}
		return "", wrapQueueError(err)
	}
	return serverID, nil
}

func entityType(k domain.Kind) domain.EntityKind {
	switch k {
	case domain.CreateTask, domain.UpdateTask, domain.DeleteTask:
		return domain.EntityTask
	case domain.CreateProject, domain.UpdateProject, domain.DeleteProject:
		return domain.EntityProject
	case domain.CreateTeamMember, domain.UpdateTeamMember, domain.DeleteTeamMember:
		return domain.EntityTeamMember
	case domain.CreateComment:
		return domain.EntityComment
	}
	return ""
}

func commandData(p domain.Payload, serverID string) (sonic.NoCopyRawMessage, error) {
	raw, err := sonic.Marshal(p)
	if err != nil {
		return nil, err
	}
	if serverID == "" {
		return raw, nil
	}
	var fields map[string]any
	if err := sonic.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["id"] = serverID
	return sonic.Marshal(fields)
}

// wrapQueueError keeps azcore response errors visible to the classifier.
func wrapQueueError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return &domain.RemoteError{Status: respErr.StatusCode, Code: respErr.ErrorCode, Err: err}
	}
	return fmt.Errorf("enqueue command: %w", err)
}
