// Package mem implements an in-memory simulated infrastructure handler.
// It backs the example documents and the executor tests: resources live in
// a process-local store, and operations can be primed to fail for
// exercising retry and partial-failure behavior.
package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/handler"
	"github.com/stackform-io/stackform/internal/ir"
)

const (
	TypeNetwork  = "mem.network"
	TypeInstance = "mem.instance"
	TypeVolume   = "mem.volume"
)

// object is one simulated resource.
type object struct {
	ID    string
	Type  string
	Name  string
	Attrs map[string]any
}

// Handler simulates infrastructure in memory.
type Handler struct {
	mu      sync.Mutex
	objects map[string]*object // by external ID
	faults  map[string][]error // queued errors by "<op> <type>.<name>"
}

func New() *Handler {
	return &Handler{
		objects: make(map[string]*object),
		faults:  make(map[string][]error),
	}
}

// Register wires the mem handler and its resource types into a registry.
func Register(r *handler.Registry, h *Handler) error {
	if err := r.RegisterHandler("mem", h); err != nil {
		return err
	}
	types := []handler.Registration{
		{
			Type:    TypeNetwork,
			Handler: "mem",
			Schema: &ir.Schema{
				Attributes: map[string]ir.AttrSchema{
					"cidr": {Kind: ir.KindString, Required: true, ForcesReplacement: true},
					"mtu":  {Kind: ir.KindNumber},
				},
			},
		},
		{
			Type:    TypeInstance,
			Handler: "mem",
			Schema: &ir.Schema{
				Attributes: map[string]ir.AttrSchema{
					"network_id": {Kind: ir.KindString, Required: true, ForcesReplacement: true},
					"image":      {Kind: ir.KindString, Required: true, ForcesReplacement: true},
					"size":       {Kind: ir.KindString},
					"public":     {Kind: ir.KindBool},
				},
			},
		},
		{
			Type:    TypeVolume,
			Handler: "mem",
			Schema: &ir.Schema{
				Attributes: map[string]ir.AttrSchema{
					"size_gb":     {Kind: ir.KindNumber, Required: true},
					"instance_id": {Kind: ir.KindString},
				},
			},
		},
	}
	for _, reg := range types {
		if err := r.RegisterType(reg); err != nil {
			return err
		}
	}
	return nil
}

// FailNext queues an error for the next call of op ("create", "update",
// "destroy") against type.name. Queued errors are consumed in order, so
// priming a transient error once makes the first attempt fail and the
// retry succeed.
func (h *Handler) FailNext(op, typ, name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := faultKey(op, typ, name)
	h.faults[key] = append(h.faults[key], err)
}

func faultKey(op, typ, name string) string {
	return fmt.Sprintf("%s %s.%s", op, typ, name)
}

func (h *Handler) takeFault(op, typ, name string) error {
	key := faultKey(op, typ, name)
	queue := h.faults[key]
	if len(queue) == 0 {
		return nil
	}
	h.faults[key] = queue[1:]
	return queue[0]
}

// Live reports whether an object with the external ID currently exists.
func (h *Handler) Live(externalID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.objects[externalID]
	return ok
}

// Count returns the number of live simulated objects.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}

func (h *Handler) Create(ctx context.Context, req *handler.Request) (*handler.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.takeFault("create", req.Type, req.Name); err != nil {
		return nil, err
	}

	obj := &object{
		ID:    fmt.Sprintf("%s-%s", shortType(req.Type), uuid.New().String()[:8]),
		Type:  req.Type,
		Name:  req.Name,
		Attrs: cloneAttrs(req.Attrs),
	}
	h.objects[obj.ID] = obj

	return &handler.Response{ExternalID: obj.ID, Attrs: responseAttrs(obj)}, nil
}

func (h *Handler) Read(ctx context.Context, req *handler.Request) (*handler.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obj, ok := h.objects[req.ExternalID]
	if !ok {
		return nil, errors.Newf(errors.KindFatalProvider, "no such object %s", req.ExternalID)
	}
	return &handler.Response{ExternalID: obj.ID, Attrs: responseAttrs(obj)}, nil
}

func (h *Handler) Update(ctx context.Context, req *handler.Request) (*handler.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.takeFault("update", req.Type, req.Name); err != nil {
		return nil, err
	}

	obj, ok := h.objects[req.ExternalID]
	if !ok {
		return nil, errors.Newf(errors.KindFatalProvider, "cannot update missing object %s", req.ExternalID)
	}
	obj.Attrs = cloneAttrs(req.Attrs)

	return &handler.Response{ExternalID: obj.ID, Attrs: responseAttrs(obj)}, nil
}

func (h *Handler) Destroy(ctx context.Context, req *handler.Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.takeFault("destroy", req.Type, req.Name); err != nil {
		return err
	}

	delete(h.objects, req.ExternalID)
	return nil
}

func shortType(typ string) string {
	switch typ {
	case TypeNetwork:
		return "net"
	case TypeInstance:
		return "inst"
	case TypeVolume:
		return "vol"
	}
	return "obj"
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func responseAttrs(obj *object) map[string]any {
	out := cloneAttrs(obj.Attrs)
	out["id"] = obj.ID
	return out
}
