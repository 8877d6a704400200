package multitenantengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/rules/rules"
)

// Schema represents a tenant's runtime data
// Maps object names to field definitions
type Schema map[string]map[string]string

// Fact kinds
const (
	FactKindValue      = "value"
	FactKindExpression = "expression"
	FactKindQuery      = "query"
)

// TenantDefinition is the content of a tenant rule file
type TenantDefinition struct {
	// Schema declares the objects callers pass as runtime facts
	Schema Schema `json:"schema,omitempty" yaml:"schema,omitempty"`

	Facts []FactDefinition `json:"facts,omitempty" yaml:"facts,omitempty"`

	// Conditions are named conditions rules reference with {"condition": name}
	Conditions map[string]map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Rules []rules.RuleDefinition `json:"rules" yaml:"rules"`
}

// FactDefinition declares a fact registered on the tenant engine. Exactly
// one of Value, Expression or Query is set.
type FactDefinition struct {
	ID string `json:"id" yaml:"id"`

	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// Expression is a CEL expression over schema objects and other facts
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Query is a SQL query; Params names the fact parameters bound to $1..$n
	Query  string   `json:"query,omitempty" yaml:"query,omitempty"`
	Params []string `json:"params,omitempty" yaml:"params,omitempty"`

	Priority int   `json:"priority,omitempty" yaml:"priority,omitempty"`
	Cache    *bool `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// Kind reports how the fact's value is produced
func (f FactDefinition) Kind() string {
	switch {
	case f.Expression != "":
		return FactKindExpression
	case f.Query != "":
		return FactKindQuery
	default:
		return FactKindValue
	}
}

// options returns the rules.FactOption values the definition asks for
func (f FactDefinition) options() []rules.FactOption {
	var opts []rules.FactOption
	if f.Priority != 0 {
		opts = append(opts, rules.WithFactPriority(f.Priority))
	}
	if f.Cache != nil {
		opts = append(opts, rules.WithCache(*f.Cache))
	}
	return opts
}

// DefinitionExtensions are the file extensions tenant files may use
var DefinitionExtensions = []string{".yaml", ".yml", ".json"}

// ParseDefinition decodes a tenant definition. format is a file extension
// from DefinitionExtensions.
func ParseDefinition(data []byte, format string) (*TenantDefinition, error) {
	var def TenantDefinition
	switch strings.ToLower(format) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	return &def, nil
}

// LoadDefinitionFile reads a tenant file and returns the tenant ID, taken
// from the file name, with its parsed definition
func LoadDefinitionFile(path string) (string, *TenantDefinition, error) {
	ext := filepath.Ext(path)
	tenantID := strings.TrimSuffix(filepath.Base(path), ext)
	if err := ValidateTenantID(tenantID); err != nil {
		return "", nil, fmt.Errorf("invalid tenant file name %q: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	def, err := ParseDefinition(data, ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return tenantID, def, nil
}

// isDefinitionFile reports whether name looks like a tenant file
func isDefinitionFile(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, valid := range DefinitionExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}
