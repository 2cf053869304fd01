// Package document loads desired-state documents: YAML files declaring
// resources with typed attributes and cross-resource references.
package document

import (
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/ir"
)

// Document is a parsed desired-state document.
type Document struct {
	Scope     string
	Resources []*ir.Resource
}

type fileDoc struct {
	Scope     string         `yaml:"scope"`
	Resources []resourceDecl `yaml:"resources"`
}

type resourceDecl struct {
	Type      string         `yaml:"type"`
	Name      string         `yaml:"name"`
	DependsOn []string       `yaml:"dependsOn"`
	Lifecycle *lifecycleDecl `yaml:"lifecycle"`
	Attrs     map[string]any `yaml:"attrs"`
}

type lifecycleDecl struct {
	PreventDestroy bool     `yaml:"preventDestroy"`
	IgnoreChanges  []string `yaml:"ignoreChanges"`
}

// refPattern matches a whole-string reference like ${mem.Network.core.id}.
// The last dotted segment is the attribute, the rest the target address.
var refPattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_.\-]+)\}$`)

// Load reads and parses a desired-state document from disk.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDocument, "reading desired-state document")
	}
	return Parse(raw)
}

// Parse decodes a desired-state document from YAML (JSON is a YAML subset).
func Parse(raw []byte) (*Document, error) {
	var file fileDoc
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, errors.KindDocument, "parsing desired-state document")
	}
	if file.Scope == "" {
		return nil, errors.New(errors.KindDocument, "document is missing a scope")
	}

	doc := &Document{Scope: file.Scope}
	for i := range file.Resources {
		res, err := buildResource(&file.Resources[i])
		if err != nil {
			return nil, err
		}
		doc.Resources = append(doc.Resources, res)
	}
	return doc, nil
}

func buildResource(decl *resourceDecl) (*ir.Resource, error) {
	if decl.Type == "" || decl.Name == "" {
		return nil, errors.Newf(errors.KindDocument,
			"resource %s.%s is missing type or name", decl.Type, decl.Name)
	}

	res := &ir.Resource{
		Type:      decl.Type,
		Name:      decl.Name,
		DependsOn: decl.DependsOn,
		Attrs:     make(map[string]ir.Value, len(decl.Attrs)),
	}
	if decl.Lifecycle != nil {
		res.Lifecycle = &ir.Lifecycle{
			PreventDestroy: decl.Lifecycle.PreventDestroy,
			IgnoreChanges:  decl.Lifecycle.IgnoreChanges,
		}
	}

	for name, raw := range decl.Attrs {
		val, err := attrValue(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindDocument, "invalid attribute "+name).
				WithAddress(res.Address())
		}
		res.Attrs[name] = val
	}
	return res, nil
}

// attrValue converts a decoded YAML scalar into a typed value. Strings of
// the form ${address.attribute} become references.
func attrValue(raw any) (ir.Value, error) {
	if s, ok := raw.(string); ok {
		if m := refPattern.FindStringSubmatch(s); m != nil {
			return parseRef(m[1])
		}
	}
	return ir.FromGo(raw)
}

func parseRef(path string) (ir.Value, error) {
	idx := strings.LastIndex(path, ".")
	if idx <= 0 || idx == len(path)-1 {
		return ir.Value{}, errors.Newf(errors.KindDocument,
			"malformed reference ${%s}: want ${type.name.attribute}", path)
	}
	return ir.RefTo(path[:idx], path[idx+1:]), nil
}
