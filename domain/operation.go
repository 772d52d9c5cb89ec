package domain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Kind names a queued mutation.
type Kind string

const (
	CreateTask       Kind = "create_task"
	UpdateTask       Kind = "update_task"
	DeleteTask       Kind = "delete_task"
	CreateProject    Kind = "create_project"
	UpdateProject    Kind = "update_project"
	DeleteProject    Kind = "delete_project"
	CreateTeamMember Kind = "create_team"
	UpdateTeamMember Kind = "update_team"
	DeleteTeamMember Kind = "delete_team"
	CreateComment    Kind = "create_comment"
)

// AllKinds lists every operation kind in declaration order.
func AllKinds() []Kind {
	return []Kind{
		CreateTask, UpdateTask, DeleteTask,
		CreateProject, UpdateProject, DeleteProject,
		CreateTeamMember, UpdateTeamMember, DeleteTeamMember,
		CreateComment,
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, err := newPayload(k)
	return err == nil
}

// EntityKind returns the entity a create operation of this kind produces.
// Non-create kinds return the empty string.
func (k Kind) EntityKind() EntityKind {
	switch k {
	case CreateTask:
		return EntityTask
	case CreateProject:
		return EntityProject
	case CreateTeamMember:
		return EntityTeamMember
	case CreateComment:
		return EntityComment
	}
	return ""
}

// IsCreate reports whether the kind creates a new entity.
func (k Kind) IsCreate() bool { return k.EntityKind() != "" }

var (
	ErrUnknownKind        = errors.New("unknown operation kind")
	ErrPayloadMismatch    = errors.New("payload does not match operation kind")
	ErrMissingCorrelation = errors.New("create operation requires a correlation id")
	ErrMissingTarget      = errors.New("operation requires a target id")
	ErrInvalidCorrelation = errors.New("correlation id is not a temporary id")
)

// Operation is one pending mutation in the operation log.
type Operation struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Payload    Payload   `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
	RetryCount int       `json:"retryCount"`
}

// NewOperation builds an operation whose kind is taken from the payload.
func NewOperation(p Payload) Operation {
	return Operation{Kind: p.Kind(), Payload: p}
}

// Clone returns a deep copy so callers never share payload state with the log.
func (o Operation) Clone() Operation {
	out := o
	if o.Payload != nil {
		out.Payload = o.Payload.clone()
	}
	return out
}

// CorrelationID returns the temporary id carried by a create operation.
func (o Operation) CorrelationID() string {
	switch p := o.Payload.(type) {
	case *CreateTaskPayload:
		return p.CorrelationID
	case *CreateProjectPayload:
		return p.CorrelationID
	case *CreateTeamMemberPayload:
		return p.CorrelationID
	case *CreateCommentPayload:
		return p.CorrelationID
	}
	return ""
}

// SetCorrelationID assigns the correlation id of a create operation. It is a
// no-op for other kinds.
func (o Operation) SetCorrelationID(id string) {
	switch p := o.Payload.(type) {
	case *CreateTaskPayload:
		p.CorrelationID = id
	case *CreateProjectPayload:
		p.CorrelationID = id
	case *CreateTeamMemberPayload:
		p.CorrelationID = id
	case *CreateCommentPayload:
		p.CorrelationID = id
	}
}

// Validate checks that the payload matches the kind and carries the ids the
// kind requires.
func (o Operation) Validate() error {
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, o.Kind)
	}
	if o.Payload == nil || o.Payload.Kind() != o.Kind {
		return fmt.Errorf("%w: %s", ErrPayloadMismatch, o.Kind)
	}
	if o.Kind.IsCreate() {
		corr := o.CorrelationID()
		if corr == "" {
			return fmt.Errorf("%w: %s", ErrMissingCorrelation, o.Kind)
		}
		if !correlationAllowed(o.Kind, corr) {
			return fmt.Errorf("%w: %s %q", ErrInvalidCorrelation, o.Kind, corr)
		}
		if o.Kind == CreateComment {
			if ref := o.Payload.Ref("taskId"); ref == nil || *ref == "" {
				return fmt.Errorf("%w: %s taskId", ErrMissingTarget, o.Kind)
			}
		}
		return nil
	}
	if ref := o.Payload.Ref("id"); ref == nil || *ref == "" {
		return fmt.Errorf("%w: %s", ErrMissingTarget, o.Kind)
	}
	return nil
}

// correlationAllowed reports whether corr can stand in as the entity id until
// the server assigns one. Comments accept either temporary prefix.
func correlationAllowed(k Kind, corr string) bool {
	if k == CreateComment {
		return IsTemporaryID(corr)
	}
	return strings.HasPrefix(corr, TemporaryPrefix)
}

type operationWire struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	Payload    sonic.NoCopyRawMessage `json:"payload"`
	CreatedAt  time.Time              `json:"createdAt"`
	RetryCount int                    `json:"retryCount"`
}

// MarshalJSON encodes the operation with its payload nested under "payload".
func (o Operation) MarshalJSON() ([]byte, error) {
	var payload []byte
	if o.Payload != nil {
		var err error
		payload, err = sonic.Marshal(o.Payload)
		if err != nil {
			return nil, err
		}
	} else {
		payload = []byte("null")
	}
	return sonic.Marshal(operationWire{
		ID:         o.ID,
		Kind:       o.Kind,
		Payload:    payload,
		CreatedAt:  o.CreatedAt,
		RetryCount: o.RetryCount,
	})
}

// UnmarshalJSON decodes the payload according to the kind discriminant.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var w operationWire
	if err := sonic.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := newPayload(w.Kind)
	if err != nil {
		return err
	}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := sonic.Unmarshal(w.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Kind, err)
		}
	}
	*o = Operation{
		ID:         w.ID,
		Kind:       w.Kind,
		Payload:    p,
		CreatedAt:  w.CreatedAt,
		RetryCount: w.RetryCount,
	}
	return nil
}

// DecodeOperation builds an operation of kind k from a raw payload, rejecting
// fields the payload does not define. The result is not validated.
func DecodeOperation(k Kind, payload []byte) (Operation, error) {
	p, err := newPayload(k)
	if err != nil {
		return Operation{}, err
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return Operation{}, fmt.Errorf("decode %s payload: %w", k, err)
	}
	return Operation{Kind: k, Payload: p}, nil
}

func newPayload(k Kind) (Payload, error) {
	switch k {
	case CreateTask:
		return &CreateTaskPayload{}, nil
	case UpdateTask:
		return &UpdateTaskPayload{}, nil
	case DeleteTask:
		return &DeleteTaskPayload{}, nil
	case CreateProject:
		return &CreateProjectPayload{}, nil
	case UpdateProject:
		return &UpdateProjectPayload{}, nil
	case DeleteProject:
		return &DeleteProjectPayload{}, nil
	case CreateTeamMember:
		return &CreateTeamMemberPayload{}, nil
	case UpdateTeamMember:
		return &UpdateTeamMemberPayload{}, nil
	case DeleteTeamMember:
		return &DeleteTeamMemberPayload{}, nil
	case CreateComment:
		return &CreateCommentPayload{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
}
