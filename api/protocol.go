package api

import (
	"github.com/bytedance/sonic"

	"github.com/asepindrak/commitflow/domain"
	"github.com/asepindrak/commitflow/flush"
	"github.com/asepindrak/commitflow/oplog"
)

const maxBodySize = 64 * 1024 // 64 KiB

type operationRequest struct {
	Kind    domain.Kind            `json:"kind"`
	Payload sonic.NoCopyRawMessage `json:"payload"`
}

type operationResponse struct {
	Operation     domain.Operation `json:"operation"`
	CorrelationID string           `json:"correlationId,omitempty"`
}

type queueResponse struct {
	Stats      oplog.Stats        `json:"stats"`
	Operations []domain.Operation `json:"operations"`
}

type deadLettersResponse struct {
	DeadLetters []domain.DeadLetter `json:"deadLetters"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

type scopeRequest struct {
	ProjectID   string `json:"projectId"`
	WorkspaceID string `json:"workspaceId"`
}

type statusResponse struct {
	flush.Status
	Queue oplog.Stats `json:"queue"`
}
