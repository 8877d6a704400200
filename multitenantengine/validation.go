package multitenantengine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	maxSchemaObjects = 100
	maxObjectFields  = 200
	maxIdentifierLen = 100
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	tenantIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
)

// validCELTypes are the field types a schema may declare. Names are case-sensitive.
var validCELTypes = map[string]bool{
	"int":       true,
	"int64":     true,
	"float64":   true,
	"string":    true,
	"bool":      true,
	"bytes":     true,
	"timestamp": true,
	"duration":  true,
	"list":      true,
	"map":       true,
}

// reservedKeywords cannot be used as object, field or fact names
var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"if": true, "else": true, "for": true, "while": true,
	"break": true, "continue": true, "return": true,
	"var": true, "let": true, "const": true, "function": true,
	"in": true, "as": true, "import": true, "package": true,
	"namespace": true, "loop": true, "void": true,
	// bound by every expression environment
	"params": true,
}

// ValidateTenantID checks a tenant ID, which is also a file name stem
func ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}
	if len(tenantID) > maxIdentifierLen {
		return fmt.Errorf("tenant ID length %d exceeds maximum of %d characters", len(tenantID), maxIdentifierLen)
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("tenant ID %q must match pattern %s", tenantID, tenantIDPattern)
	}
	return nil
}

// ValidateSchema validates a schema definition
// Returns an error if validation fails, nil if schema is valid
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema cannot be empty, must contain at least one object definition")
	}
	if len(schema) > maxSchemaObjects {
		return fmt.Errorf("schema contains %d objects, maximum allowed is %d", len(schema), maxSchemaObjects)
	}

	for objectName, fields := range schema {
		if err := validateIdentifier(objectName); err != nil {
			return fmt.Errorf("invalid object name %q: %w", objectName, err)
		}
		if len(fields) == 0 {
			return fmt.Errorf("object %q must contain at least one field", objectName)
		}
		if len(fields) > maxObjectFields {
			return fmt.Errorf("object %q contains %d fields, maximum allowed is %d", objectName, len(fields), maxObjectFields)
		}

		for fieldName, typeName := range fields {
			if err := validateIdentifier(fieldName); err != nil {
				return fmt.Errorf("invalid field name %q in object %q: %w", fieldName, objectName, err)
			}
			if typeName == "" {
				return fmt.Errorf("field %q in object %q has empty type name", fieldName, objectName)
			}
			if strings.TrimSpace(typeName) != typeName {
				return fmt.Errorf("field %q in object %q has type with leading/trailing whitespace: %q", fieldName, objectName, typeName)
			}
			if !isValidCELType(typeName) {
				return fmt.Errorf("field %q in object %q has invalid type %q (must be one of: int, int64, float64, string, bool, bytes, timestamp, duration, list, map)", fieldName, objectName, typeName)
			}
		}
	}

	return nil
}

// ValidateDefinition checks a tenant definition before any engine is built.
// Every problem found is reported.
func ValidateDefinition(def *TenantDefinition) error {
	if def == nil {
		return errors.New("tenant definition is empty")
	}

	var errs []error
	if len(def.Schema) > 0 {
		if err := ValidateSchema(def.Schema); err != nil {
			errs = append(errs, err)
		}
	}

	factIDs := make(map[string]bool, len(def.Facts))
	for i, f := range def.Facts {
		if err := validateFact(f); err != nil {
			errs = append(errs, fmt.Errorf("facts[%d]: %w", i, err))
			continue
		}
		if factIDs[f.ID] {
			errs = append(errs, fmt.Errorf("facts[%d]: duplicate fact %q", i, f.ID))
		}
		if _, ok := def.Schema[f.ID]; ok {
			errs = append(errs, fmt.Errorf("facts[%d]: fact %q shadows schema object", i, f.ID))
		}
		factIDs[f.ID] = true
	}

	for name, c := range def.Conditions {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("condition name cannot be empty"))
		}
		if len(c) == 0 {
			errs = append(errs, fmt.Errorf("condition %q is empty", name))
		}
	}

	ruleIDs := make(map[string]bool, len(def.Rules))
	for i, r := range def.Rules {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("rules[%d]: rule ID is required", i))
		case ruleIDs[r.ID]:
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate rule ID %q", i, r.ID))
		}
		ruleIDs[r.ID] = true
		if r.Event.Type == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: event type is required", i))
		}
	}

	return errors.Join(errs...)
}

func validateFact(f FactDefinition) error {
	if err := validateIdentifier(f.ID); err != nil {
		return fmt.Errorf("invalid fact ID %q: %w", f.ID, err)
	}

	set := 0
	if f.Value != nil {
		set++
	}
	if f.Expression != "" {
		set++
	}
	if f.Query != "" {
		set++
	}
	if set > 1 {
		return fmt.Errorf("fact %q must set only one of value, expression or query", f.ID)
	}

	if len(f.Params) > 0 && f.Kind() != FactKindQuery {
		return fmt.Errorf("fact %q: params are only allowed on query facts", f.ID)
	}
	if f.Priority < 0 {
		return fmt.Errorf("fact %q: priority must be greater than zero, got %d", f.ID, f.Priority)
	}
	return nil
}

// validateIdentifier validates an object, field or fact name:
// 1-100 characters matching ^[a-zA-Z_][a-zA-Z0-9_]*$ and not a reserved keyword
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLen)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

func isValidCELType(typeName string) bool {
	return validCELTypes[typeName]
}
