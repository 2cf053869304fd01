package ir

import "fmt"

// Resource is a single declared resource from the desired-state document.
type Resource struct {
	Type      string           `json:"type"` // e.g. "mem.Instance"
	Name      string           `json:"name"`
	Lifecycle *Lifecycle       `json:"lifecycle,omitempty"`
	DependsOn []string         `json:"dependsOn,omitempty"`
	Attrs     map[string]Value `json:"attrs"`
}

type Lifecycle struct {
	PreventDestroy bool     `json:"preventDestroy,omitempty"`
	IgnoreChanges  []string `json:"ignoreChanges,omitempty"`
}

// Address returns the graph identity of a resource (type.name).
func (r *Resource) Address() string {
	return fmt.Sprintf("%s.%s", r.Type, r.Name)
}

// AttrSchema describes a single attribute of a resource type.
type AttrSchema struct {
	Kind              Kind
	Required          bool
	ForcesReplacement bool
}

// Schema describes the attribute surface of a resource type. Open schemas
// accept undeclared attributes of any scalar kind; they are never
// replace-triggering unless listed.
type Schema struct {
	Attributes map[string]AttrSchema
	Open       bool
}

// ForcesReplacement reports whether a change to the named attribute requires
// destroying and recreating the resource.
func (s *Schema) ForcesReplacement(attr string) bool {
	if s == nil {
		return false
	}
	as, ok := s.Attributes[attr]
	return ok && as.ForcesReplacement
}
