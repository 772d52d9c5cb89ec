package remote

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/asepindrak/commitflow/classify"
	"github.com/asepindrak/commitflow/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(_ context.Context, content string, _ *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func newDeduper(t *testing.T) *RedisDeduper {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDeduper(client, time.Minute)
}

func createTask(corr string) domain.Operation {
	op := domain.NewOperation(&domain.CreateTaskPayload{CorrelationID: corr, ProjectID: "p1", Title: "Write docs"})
	op.ID = "op-" + corr
	return op
}

func TestExecuteCreateSendsEnvelopeWithDerivedID(t *testing.T) {
	fq := &fakeQueue{}
	logger, _ := test.NewNullLogger()
	ex := NewQueueExecutor(fq, nil, "user-1", logger)

	id, err := ex.Execute(context.Background(), createTask("tmp_1"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if id != ServerID("tmp_1") {
		t.Fatalf("expected derived id, got %q", id)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(fq.messages))
	}

	var env CommandEnvelope
	if err := sonic.UnmarshalString(fq.messages[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.UserID != "user-1" || env.Command.IdempotencyKey != "tmp_1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Command.EntityType != "task" || env.Command.Type != string(domain.CreateTask) {
		t.Fatalf("unexpected command type: %+v", env.Command)
	}
	var data map[string]any
	if err := sonic.Unmarshal(env.Command.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["id"] != id || data["title"] != "Write docs" {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestServerIDIsDeterministic(t *testing.T) {
	if ServerID("tmp_a") != ServerID("tmp_a") {
		t.Fatalf("server id not stable")
	}
	if ServerID("tmp_a") == ServerID("tmp_b") {
		t.Fatalf("server ids collide")
	}
}

func TestExecuteSkipsAlreadyDeliveredCreate(t *testing.T) {
	fq := &fakeQueue{}
	ex := NewQueueExecutor(fq, newDeduper(t), "user-1", nil)

	first, err := ex.Execute(context.Background(), createTask("tmp_1"))
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := ex.Execute(context.Background(), createTask("tmp_1"))
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if first != second {
		t.Fatalf("retried create named a different entity: %s vs %s", first, second)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected a single delivery, got %d", len(fq.messages))
	}
}

func TestExecuteRollsBackDedupeOnSendFailure(t *testing.T) {
	fq := &fakeQueue{err: errors.New("network down")}
	dd := newDeduper(t)
	logger, _ := test.NewNullLogger()
	ex := NewQueueExecutor(fq, dd, "user-1", logger)

	if _, err := ex.Execute(context.Background(), createTask("tmp_1")); err == nil {
		t.Fatalf("expected send failure")
	}

	fq.err = nil
	if _, err := ex.Execute(context.Background(), createTask("tmp_1")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected retry to send, got %d messages", len(fq.messages))
	}
}

func TestExecuteNonCreateReturnsEmptyID(t *testing.T) {
	fq := &fakeQueue{}
	ex := NewQueueExecutor(fq, nil, "user-1", nil)
	op := domain.NewOperation(&domain.DeleteTaskPayload{ID: "t1"})
	op.ID = "op-1"

	id, err := ex.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no server id, got %q", id)
	}
	var env CommandEnvelope
	if err := sonic.UnmarshalString(fq.messages[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Command.IdempotencyKey != "op-1" || env.Command.EntityType != "task" {
		t.Fatalf("unexpected command: %+v", env.Command)
	}
}

func TestExecuteErrorsClassify(t *testing.T) {
	c := classify.New(nil)
	tests := []struct {
		name string
		err  error
		want classify.Class
	}{
		{"bad request", &azcore.ResponseError{StatusCode: http.StatusBadRequest, ErrorCode: "InvalidInput"}, classify.Unrecoverable},
		{"throttled", &azcore.ResponseError{StatusCode: http.StatusTooManyRequests}, classify.Recoverable},
		{"network", errors.New("dial tcp: timeout"), classify.Recoverable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ex := NewQueueExecutor(&fakeQueue{err: tc.err}, nil, "user-1", nil)
			_, err := ex.Execute(context.Background(), createTask("tmp_1"))
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := c.Classify(err); got != tc.want {
				t.Fatalf("classify: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestExecutorsCoverEveryKind(t *testing.T) {
	ex := NewQueueExecutor(&fakeQueue{}, nil, "user-1", nil)
	if err := ex.Executors().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestCommandClockIncreases(t *testing.T) {
	c := newCommandClock()
	prev := c.stamp(time.Time{})
	for i := 0; i < 1000; i++ {
		next := c.stamp(time.Time{})
		if next <= prev {
			t.Fatalf("timestamp went backwards: %d <= %d", next, prev)
		}
		prev = next
	}
}

func TestCommandClockNotBeforeQueueTime(t *testing.T) {
	wall := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &commandClock{now: func() time.Time { return wall }}
	queued := wall.Add(time.Hour)

	first := c.stamp(queued)
	if first != queued.UnixNano() {
		t.Fatalf("stamp %d earlier than queue time %d", first, queued.UnixNano())
	}
	if second := c.stamp(time.Time{}); second != first+1 {
		t.Fatalf("expected %d, got %d", first+1, second)
	}
}

func TestExecuteUpdateTeamMember(t *testing.T) {
	fq := &fakeQueue{}
	ex := NewQueueExecutor(fq, nil, "user-1", nil)
	role := "lead"
	op := domain.NewOperation(&domain.UpdateTeamMemberPayload{ID: "m1", Patch: domain.TeamMemberPatch{Role: &role}})
	op.ID = "op-m1"

	id, err := ex.Execute(context.Background(), op)
	if err != nil || id != "" {
		t.Fatalf("execute: id=%q err=%v", id, err)
	}
	var env CommandEnvelope
	if err := sonic.UnmarshalString(fq.messages[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Command.Type != "update_team" || env.Command.EntityType != "teamMember" || env.Command.IdempotencyKey != "op-m1" {
		t.Fatalf("unexpected command: %+v", env.Command)
	}
	var data domain.UpdateTeamMemberPayload
	if err := sonic.Unmarshal(env.Command.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.ID != "m1" || data.Patch.Role == nil || *data.Patch.Role != "lead" {
		t.Fatalf("unexpected data: %+v", data)
	}
}
