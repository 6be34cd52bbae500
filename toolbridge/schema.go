package toolbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/overlaygate/pkg/fingerprint"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Python keywords cannot be used as function or parameter names in the proxy source.
var pythonKeywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true, "assert": true,
	"async": true, "await": true, "break": true, "class": true, "continue": true,
	"def": true, "del": true, "elif": true, "else": true, "except": true, "finally": true,
	"for": true, "from": true, "global": true, "if": true, "import": true, "in": true,
	"is": true, "lambda": true, "nonlocal": true, "not": true, "or": true, "pass": true,
	"raise": true, "return": true, "try": true, "while": true, "with": true, "yield": true,
}

func validIdent(s string) bool {
	return identRe.MatchString(s) && !pythonKeywords[s]
}

// Param is one declared tool parameter.
type Param struct {
	Name     string
	Type     string // JSON Schema type, "" when unspecified
	Required bool
}

// Definition is a validated client tool declaration.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage // the function object sent as json_schema
	Parameters  json.RawMessage
	Params      []Param
	Fingerprint string
}

var schemaCache sync.Map // parameters JSON -> *jsonschema.Schema

func compileSchema(params []byte) (*jsonschema.Schema, error) {
	key := string(params)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.parameters.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ParseDefinition validates a client tool and extracts what the proxy source needs.
func ParseDefinition(t openai.Tool) (*Definition, error) {
	if t.Type != "" && t.Type != openai.ToolTypeFunction {
		return nil, fmt.Errorf("unsupported tool type %q", t.Type)
	}
	if t.Function == nil {
		return nil, errors.New("tool has no function definition")
	}
	fn := t.Function
	if !validIdent(fn.Name) {
		return nil, fmt.Errorf("tool name %q is not a valid identifier", fn.Name)
	}

	params := []byte(`{"type":"object","properties":{}}`)
	if fn.Parameters != nil {
		raw, err := json.Marshal(fn.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode parameters: %w", err)
		}
		if string(raw) != "null" {
			params = raw
		}
	}
	if _, err := compileSchema(params); err != nil {
		return nil, fmt.Errorf("invalid parameter schema: %w", err)
	}

	var shape struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(params, &shape); err != nil {
		return nil, fmt.Errorf("parameters must be a JSON object: %w", err)
	}
	if shape.Type != "" && shape.Type != "object" {
		return nil, fmt.Errorf("parameters type must be object, got %q", shape.Type)
	}

	required := make(map[string]bool, len(shape.Required))
	for _, r := range shape.Required {
		required[r] = true
	}
	names := make([]string, 0, len(shape.Properties))
	for name := range shape.Properties {
		names = append(names, name)
	}
	// Required parameters first, then alphabetical, so the source is deterministic.
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})

	def := &Definition{Name: fn.Name, Description: fn.Description, Parameters: params}
	for _, name := range names {
		if !validIdent(name) {
			return nil, fmt.Errorf("parameter %q is not a valid identifier", name)
		}
		var prop struct {
			Type any `json:"type"`
		}
		_ = json.Unmarshal(shape.Properties[name], &prop)
		def.Params = append(def.Params, Param{Name: name, Type: schemaType(prop.Type), Required: required[name]})
	}

	schema, err := json.Marshal(map[string]any{
		"name":        fn.Name,
		"description": fn.Description,
		"parameters":  json.RawMessage(params),
	})
	if err != nil {
		return nil, err
	}
	def.Schema = schema
	def.Fingerprint = fingerprint.Bytes(schema)
	return def, nil
}

// schemaType picks the first non-null type of a "type" keyword.
func schemaType(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "null" {
				return s
			}
		}
	}
	return ""
}

// ValidateArguments checks a JSON arguments string against the definition's parameters.
func (d *Definition) ValidateArguments(args string) error {
	schema, err := compileSchema(d.Parameters)
	if err != nil {
		return err
	}
	if args == "" {
		args = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		return fmt.Errorf("arguments are not JSON: %w", err)
	}
	return schema.Validate(decoded)
}
