package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/ir"
)

// SchemaLookup resolves the attribute schema for a resource type. A nil
// schema means the type is unknown.
type SchemaLookup interface {
	SchemaFor(resourceType string) *ir.Schema
}

// Graph is the dependency graph of one reconciliation run. Edges point from
// a resource to the resources it depends on.
type Graph struct {
	nodes map[string]*ir.Resource
	edges map[string][]string
	rev   map[string][]string
}

// BuildGraph validates the desired resources against their schemas and
// links dependency edges from explicit dependsOn entries and from reference
// attribute values. The resulting graph is guaranteed acyclic.
func BuildGraph(resources []*ir.Resource, schemas SchemaLookup) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*ir.Resource, len(resources)),
		edges: make(map[string][]string),
		rev:   make(map[string][]string),
	}

	for _, res := range resources {
		addr := res.Address()
		if _, dup := g.nodes[addr]; dup {
			return nil, errors.Newf(errors.KindValidation, "duplicate resource address %s", addr)
		}
		if schemas != nil {
			if err := validateAttrs(res, schemas.SchemaFor(res.Type)); err != nil {
				return nil, err
			}
		}
		g.nodes[addr] = res
	}

	for _, res := range resources {
		addr := res.Address()
		seen := make(map[string]bool)

		for _, dep := range res.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, errors.Newf(errors.KindUnresolvedReference,
					"dependsOn target %s does not exist", dep).WithAddress(addr)
			}
			if dep != addr && !seen[dep] {
				seen[dep] = true
				g.edges[addr] = append(g.edges[addr], dep)
			}
		}

		for name, val := range res.Attrs {
			if val.Kind != ir.KindReference {
				continue
			}
			target := val.Ref.Address
			if target == addr {
				return nil, errors.Newf(errors.KindCycleDetected,
					"attribute %s references its own resource", name).WithAddress(addr)
			}
			if _, ok := g.nodes[target]; !ok {
				return nil, errors.Newf(errors.KindUnresolvedReference,
					"attribute %s references unknown resource %s", name, target).WithAddress(addr)
			}
			if !seen[target] {
				seen[target] = true
				g.edges[addr] = append(g.edges[addr], target)
			}
		}
	}

	for addr, deps := range g.edges {
		for _, dep := range deps {
			g.rev[dep] = append(g.rev[dep], addr)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, errors.Newf(errors.KindCycleDetected,
			"dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	return g, nil
}

// validateAttrs checks declared attributes against the resource schema.
func validateAttrs(res *ir.Resource, schema *ir.Schema) error {
	addr := res.Address()
	if schema == nil {
		return errors.Newf(errors.KindValidation, "unknown resource type %s", res.Type).WithAddress(addr)
	}

	for name, as := range schema.Attributes {
		val, ok := res.Attrs[name]
		if !ok {
			if as.Required {
				return errors.Newf(errors.KindValidation,
					"missing required attribute %q", name).WithAddress(addr)
			}
			continue
		}
		// References are checked against the referenced node at build time
		// and against the concrete value at resolve time.
		if val.Kind != ir.KindReference && val.Kind != as.Kind {
			return errors.Newf(errors.KindValidation,
				"attribute %q must be %s, got %s", name, as.Kind, val.Kind).WithAddress(addr)
		}
	}

	if !schema.Open {
		for name := range res.Attrs {
			if _, declared := schema.Attributes[name]; !declared {
				return errors.Newf(errors.KindValidation,
					"undeclared attribute %q", name).WithAddress(addr)
			}
		}
	}
	return nil
}

// Resources returns the graph's nodes in address order.
func (g *Graph) Resources() []*ir.Resource {
	addrs := make([]string, 0, len(g.nodes))
	for addr := range g.nodes {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	out := make([]*ir.Resource, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, g.nodes[addr])
	}
	return out
}

// Node returns the resource at an address.
func (g *Graph) Node(addr string) (*ir.Resource, bool) {
	res, ok := g.nodes[addr]
	return res, ok
}

// Dependencies returns the addresses a resource depends on.
func (g *Graph) Dependencies(addr string) []string {
	return g.edges[addr]
}

// Dependents returns the addresses depending on a resource.
func (g *Graph) Dependents(addr string) []string {
	return g.rev[addr]
}

// Len returns the node count.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// findCycle runs a DFS and returns one cycle path, or nil if acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.nodes))
	var path []string
	var cycle []string

	var visit func(addr string) bool
	visit = func(addr string) bool {
		color[addr] = gray
		path = append(path, addr)

		for _, dep := range g.edges[addr] {
			switch color[dep] {
			case gray:
				// Found it: slice the path from the first occurrence of dep.
				for i, a := range path {
					if a == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		color[addr] = black
		return false
	}

	addrs := make([]string, 0, len(g.nodes))
	for addr := range g.nodes {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		if color[addr] == white && visit(addr) {
			return cycle
		}
	}
	return nil
}

// DOT renders the graph in Graphviz format for the graph CLI command.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph resources {\n")
	b.WriteString("  rankdir = \"BT\"\n")
	for _, res := range g.Resources() {
		addr := res.Address()
		fmt.Fprintf(&b, "  %q\n", addr)
		for _, dep := range g.edges[addr] {
			fmt.Fprintf(&b, "  %q -> %q\n", addr, dep)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
