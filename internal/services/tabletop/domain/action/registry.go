package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	apperrors "github.com/louisbranch/tabletop/internal/platform/errors"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

var (
	// ErrTypeRequired indicates a handler without an action type.
	ErrTypeRequired = errors.New("action type is required")
	// ErrHandlerRequired indicates a nil handler.
	ErrHandlerRequired = errors.New("action handler is required")
)

type entry struct {
	handler Handler
	meta    Metadata
	schema  *jsonschema.Schema
}

// Registry holds the handlers registered for each action type, kept in
// priority order.
type Registry struct {
	mu      sync.RWMutex
	entries map[Type][]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Type][]entry)}
}

// Register adds h and compiles its parameter schema. Handlers of the same
// type stay sorted by priority; equal priorities keep registration order.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return ErrHandlerRequired
	}
	meta := h.Metadata()
	meta.Type = Type(strings.TrimSpace(string(meta.Type)))
	if meta.Type == "" {
		return ErrTypeRequired
	}

	var schema *jsonschema.Schema
	if strings.TrimSpace(meta.Schema) != "" {
		compiled, err := jsonschema.CompileString(string(meta.Type)+".schema.json", meta.Schema)
		if err != nil {
			return fmt.Errorf("compile %s schema: %w", meta.Type, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.entries[meta.Type], entry{handler: h, meta: meta, schema: schema})
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].meta.Priority < list[j].meta.Priority
	})
	r.entries[meta.Type] = list
	return nil
}

// MustRegister registers h and panics on error.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Handlers returns a copy of the handlers for t in execution order.
func (r *Registry) Handlers(t Type) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.entries[t]
	out := make([]Handler, len(list))
	for i, e := range list {
		out[i] = e.handler
	}
	return out
}

// Plan is a validated request ready for approval or execution.
type Plan struct {
	Context  Context
	handlers []entry
}

// RequiresApproval reports whether the request must wait for the GM. A
// handler flagged RequiresManualApproval gates every non-GM request. GM
// requests never wait.
func (p Plan) RequiresApproval() bool {
	if p.Context.IsGM() {
		return false
	}
	for _, e := range p.handlers {
		if e.meta.RequiresManualApproval {
			return true
		}
	}
	return false
}

// ApprovalMessage renders the description shown to the GM, taken from the
// first handler that provides one.
func (p Plan) ApprovalMessage() string {
	for _, e := range p.handlers {
		if e.meta.ApprovalMessage != nil {
			return e.meta.ApprovalMessage(p.Context)
		}
	}
	req := p.Context.Request
	return p.Context.Printer().Sprintf("approval.generic", req.PlayerID, string(req.Action))
}

// Execute runs every handler's Execute against draft in priority order.
func (p Plan) Execute(ctx context.Context, draft *state.GameState) error {
	for _, e := range p.handlers {
		if err := e.handler.Execute(ctx, p.Context, draft); err != nil {
			return fmt.Errorf("%s: %w", e.meta.Type, err)
		}
	}
	return nil
}

// Validate runs the validation phase for c.Request: handler lookup, the
// GM-only check, parameter schemas and then each handler's Validate. The
// first failure is returned.
func (r *Registry) Validate(ctx context.Context, c Context) (Plan, *Rejection) {
	r.mu.RLock()
	list := append([]entry(nil), r.entries[c.Request.Action]...)
	r.mu.RUnlock()

	if len(list) == 0 {
		return Plan{}, rejection(c.Reject(apperrors.CodeUnknownAction, nil))
	}
	if !c.IsGM() {
		for _, e := range list {
			if e.meta.GMOnly {
				return Plan{}, rejection(c.Reject(apperrors.CodePermissionDenied, nil))
			}
		}
	}

	params, err := decodeParameters(c.Request.Parameters)
	if err != nil {
		return Plan{}, &Rejection{
			Code:    apperrors.CodeInvalidParameters,
			Message: c.Message(apperrors.CodeInvalidParameters, nil),
		}
	}
	for _, e := range list {
		if e.schema == nil {
			continue
		}
		if err := e.schema.Validate(params); err != nil {
			return Plan{}, schemaRejection(c, err)
		}
	}

	for _, e := range list {
		result := e.handler.Validate(ctx, c)
		if !result.Valid {
			if result.Error == nil {
				return Plan{}, rejection(c.Reject(apperrors.CodeInvalidParameters, nil))
			}
			return Plan{}, result.Error
		}
	}
	return Plan{Context: c, handlers: list}, nil
}

func rejection(result Result) *Rejection {
	return result.Error
}

func decodeParameters(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var params any
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after parameters")
	}
	return params, nil
}

// schemaRejection maps a schema failure to MISSING_PARAMETERS when any
// failing keyword is "required", otherwise INVALID_PARAMETERS.
func schemaRejection(c Context, err error) *Rejection {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &Rejection{Code: apperrors.CodeInvalidParameters, Message: c.Message(apperrors.CodeInvalidParameters, nil)}
	}
	leaves := leafErrors(verr)
	code := apperrors.CodeInvalidParameters
	details := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		if strings.HasSuffix(leaf.KeywordLocation, "/required") {
			code = apperrors.CodeMissingParameters
		}
		details = append(details, leaf.Message)
	}
	message := c.Message(code, nil)
	if len(details) > 0 {
		message += ": " + strings.Join(details, "; ")
	}
	return &Rejection{Code: code, Message: message}
}

func leafErrors(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range err.Causes {
		out = append(out, leafErrors(cause)...)
	}
	return out
}
