package reconcile

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/asepindrak/commitflow/domain"
)

// Notice is published by the backend when a collection changed remotely.
type Notice struct {
	Resource domain.Resource `json:"resource"`
	ScopeID  string          `json:"scopeId"`
}

// ScopeInvalidator is what a notice is forwarded to.
type ScopeInvalidator interface {
	Invalidate(ctx context.Context, scopes []domain.Scope) error
}

// SubscribeUpdates listens for change notices on a Redis channel and forwards
// each as a scope invalidation. It resubscribes with exponential backoff when
// the subscription fails and returns when ctx is done.
func SubscribeUpdates(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, target ScopeInvalidator) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		sub := rc.Subscribe(ctx, channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			delay := b.NextBackOff()
			logger.WithError(err).WithField("retry_in", delay).Error("reconcile subscribe failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		b.Reset()

		consume(ctx, logger, sub.Channel(), target)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		delay := b.NextBackOff()
		logger.WithField("retry_in", delay).Error("pubsub channel closed, reconnecting")
		if !sleep(ctx, delay) {
			return
		}
	}
}

func consume(ctx context.Context, logger *log.Logger, ch <-chan *redis.Message, target ScopeInvalidator) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var n Notice
			if err := sonic.UnmarshalString(msg.Payload, &n); err != nil {
				logger.WithError(err).Warn("unable to parse update notice")
				continue
			}
			if n.Resource == "" {
				logger.WithField("payload", msg.Payload).Warn("update notice without resource")
				continue
			}
			scopes := []domain.Scope{{Resource: n.Resource, ID: n.ScopeID}}
			if err := target.Invalidate(ctx, scopes); err != nil {
				logger.WithError(err).WithField("resource", n.Resource).Warn("update notice invalidate failed")
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
