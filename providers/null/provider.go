// Package null implements a no-op resource handler useful for wiring
// dependencies and for smoke-testing plans without touching real
// infrastructure.
package null

import (
	"context"
	"fmt"

	"github.com/stackform-io/stackform/internal/handler"
	"github.com/stackform-io/stackform/internal/ir"
)

// TypeResource is the only resource type the null handler owns.
const TypeResource = "null.resource"

type Handler struct{}

func New() *Handler {
	return &Handler{}
}

// Register wires the null handler and its resource type into a registry.
func Register(r *handler.Registry) error {
	if err := r.RegisterHandler("null", New()); err != nil {
		return err
	}
	return r.RegisterType(handler.Registration{
		Type:    TypeResource,
		Handler: "null",
		Schema: &ir.Schema{
			Open: true,
			Attributes: map[string]ir.AttrSchema{
				// Changing the trigger forces a destroy+create pair, which
				// makes null resources handy for exercising replacements.
				"trigger": {Kind: ir.KindString, ForcesReplacement: true},
			},
		},
	})
}

func (h *Handler) Create(ctx context.Context, req *handler.Request) (*handler.Response, error) {
	return &handler.Response{
		ExternalID: fmt.Sprintf("null-%s", req.Name),
		Attrs:      req.Attrs,
	}, nil
}

func (h *Handler) Read(ctx context.Context, req *handler.Request) (*handler.Response, error) {
	return &handler.Response{
		ExternalID: req.ExternalID,
		Attrs:      req.Prior,
	}, nil
}

func (h *Handler) Update(ctx context.Context, req *handler.Request) (*handler.Response, error) {
	return &handler.Response{
		ExternalID: req.ExternalID,
		Attrs:      req.Attrs,
	}, nil
}

func (h *Handler) Destroy(ctx context.Context, req *handler.Request) error {
	return nil
}
