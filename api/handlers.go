// Package api exposes the operation queue over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/asepindrak/commitflow/domain"
	"github.com/asepindrak/commitflow/flush"
	"github.com/asepindrak/commitflow/oplog"
)

// Scheduler is the part of flush.Scheduler the handlers drive.
type Scheduler interface {
	Status() flush.Status
	Trigger(ctx context.Context) flush.Report
	SetOnline(online bool)
}

// WorkingSet receives optimistic edits and scope changes.
type WorkingSet interface {
	Active() domain.ActiveScope
	SetActive(domain.ActiveScope)
	ApplyLocal(op domain.Operation)
}

// Refresher reloads the active scope after it changes.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Deps groups the collaborators of the sync routes. Refresher is optional.
type Deps struct {
	Log       *oplog.Log
	Dead      *oplog.DeadLetters
	Scheduler Scheduler
	Working   WorkingSet
	Refresher Refresher
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.Use(BodyMiddleware(maxBodySize))

	e.GET("/api/sync/status", getStatus(deps))
	e.GET("/api/sync/queue", getQueue(deps))
	e.GET("/api/sync/dead-letters", getDeadLetters(deps))
	e.POST("/api/sync/dead-letters/:index/requeue", requeueDeadLetter(deps, logger))
	e.POST("/api/sync/flush", postFlush(deps))
	e.POST("/api/sync/connectivity", postConnectivity(deps, logger))
	e.PUT("/api/sync/scope", putScope(deps, logger))
	e.POST("/api/operations", postOperation(deps, logger))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, out any) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func getStatus(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, statusResponse{
			Status: deps.Scheduler.Status(),
			Queue:  deps.Log.Stats(),
		})
	}
}

func getQueue(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, queueResponse{
			Stats:      deps.Log.Stats(),
			Operations: deps.Log.Snapshot(),
		})
	}
}

func getDeadLetters(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		entries := deps.Dead.List()
		if entries == nil {
			entries = []domain.DeadLetter{}
		}
		return c.JSON(http.StatusOK, deadLettersResponse{DeadLetters: entries})
	}
}

func requeueDeadLetter(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		index, err := strconv.Atoi(c.Param("index"))
		if err != nil || index < 0 {
			return c.String(http.StatusBadRequest, "invalid index")
		}
		op, err := deps.Dead.Requeue(c.Request().Context(), index, deps.Log)
		if err != nil {
			if errors.Is(err, oplog.ErrNoDeadLetter) {
				return c.String(http.StatusNotFound, "dead letter not found")
			}
			if op.ID == "" {
				logger.WithError(err).WithField("index", index).Error("api.requeue failed")
				return c.String(http.StatusInternalServerError, "failed to requeue")
			}
			logger.WithError(err).WithField("index", index).Warn("api.requeue archive not updated")
		}
		return c.JSON(http.StatusAccepted, operationResponse{Operation: op, CorrelationID: op.CorrelationID()})
	}
}

func postFlush(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		rep := deps.Scheduler.Trigger(c.Request().Context())
		return c.JSON(http.StatusOK, rep)
	}
}

func postConnectivity(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req connectivityRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(bodyStatus(err), "invalid body")
		}
		if req.Online == nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		deps.Scheduler.SetOnline(*req.Online)
		logger.WithField("online", *req.Online).Info("api.connectivity changed")
		return c.JSON(http.StatusOK, deps.Scheduler.Status())
	}
}

func putScope(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req scopeRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(bodyStatus(err), "invalid body")
		}
		active := domain.ActiveScope{ProjectID: req.ProjectID, WorkspaceID: req.WorkspaceID}
		deps.Working.SetActive(active)
		if deps.Refresher != nil {
			if err := deps.Refresher.Refresh(c.Request().Context()); err != nil {
				logger.WithError(err).Warn("api.scope refresh failed")
			}
		}
		return c.JSON(http.StatusOK, active)
	}
}

func postOperation(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req operationRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(bodyStatus(err), "invalid body")
		}
		if len(req.Payload) == 0 {
			return c.String(http.StatusBadRequest, "missing payload")
		}
		op, err := domain.DecodeOperation(req.Kind, req.Payload)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		if op.Kind.IsCreate() && op.CorrelationID() == "" {
			if op.Kind == domain.CreateComment {
				op.SetCorrelationID(domain.NewTemporaryCommentID())
			} else {
				op.SetCorrelationID(domain.NewTemporaryID())
			}
		}

		queued, err := deps.Log.Enqueue(c.Request().Context(), op)
		if err != nil {
			if isValidationError(err) {
				return c.String(http.StatusBadRequest, err.Error())
			}
			logger.WithError(err).WithField("kind", op.Kind).Error("api.enqueue failed")
			return c.String(http.StatusInternalServerError, "failed to enqueue operation")
		}
		deps.Working.ApplyLocal(queued)
		return c.JSON(http.StatusAccepted, operationResponse{Operation: queued, CorrelationID: queued.CorrelationID()})
	}
}

func isValidationError(err error) bool {
	return errors.Is(err, domain.ErrUnknownKind) ||
		errors.Is(err, domain.ErrPayloadMismatch) ||
		errors.Is(err, domain.ErrMissingCorrelation) ||
		errors.Is(err, domain.ErrInvalidCorrelation) ||
		errors.Is(err, domain.ErrMissingTarget)
}
