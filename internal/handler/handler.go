// Package handler defines the provider-agnostic resource handler interface
// and the registry that maps resource types to handlers and schemas.
package handler

import (
	"context"

	"github.com/stackform-io/stackform/internal/ir"
)

// Request carries one resource operation to a handler. Attrs hold the
// desired attributes with all references already resolved to concrete
// values; Prior holds the last-applied attributes where one exists.
type Request struct {
	Type       string
	Name       string
	ExternalID string
	Attrs      map[string]any
	Prior      map[string]any
}

// Response is the result of a successful Create, Read, or Update.
type Response struct {
	// ExternalID is the provider-assigned identifier of the resource.
	ExternalID string
	// Attrs are the resulting attributes as observed after the operation.
	Attrs map[string]any
}

// Handler implements the resource lifecycle for one or more resource types.
// Errors must be classified: transient failures (rate limits, timeouts)
// are retried by the executor, anything else is fatal for the operation.
type Handler interface {
	Create(ctx context.Context, req *Request) (*Response, error)
	Read(ctx context.Context, req *Request) (*Response, error)
	Update(ctx context.Context, req *Request) (*Response, error)
	Destroy(ctx context.Context, req *Request) error
}

// Registration binds a resource type to its handler and attribute schema.
type Registration struct {
	Type    string
	Handler string
	Schema  *ir.Schema
}
