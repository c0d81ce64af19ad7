package realtime

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
)

// Param is one top-level argument of a tool.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Enum        []string
	Required    bool
}

// ToolDecl declares a function the model may call.
type ToolDecl struct {
	Name        string
	Description string
	Params      []Param
}

// JSONSchema renders the parameters as a JSON Schema object.
func (d ToolDecl) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Params))
	required := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		typ := p.Type
		if typ == "" {
			typ = ParamString
		}
		prop := map[string]any{"type": string(typ)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = append([]string(nil), p.Enum...)
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// OKResult is the generic acknowledgement sent for every tool call.
func OKResult() map[string]any {
	return map[string]any{"result": "ok"}
}
