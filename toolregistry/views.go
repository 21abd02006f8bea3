package toolregistry

import "encoding/json"

// OpenAPIFunction is the {type, function: {name, description, parameters}}
// shape consumed by native function-calling model providers.
type OpenAPIFunction struct {
	Type     string              `json:"type"`
	Function OpenAPIFunctionBody `json:"function"`
}

// OpenAPIFunctionBody is the inner "function" object of OpenAPIFunction.
type OpenAPIFunctionBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OpenAPIView renders the registry's current tool catalog as the
// OpenAPI-shaped function list that native tool-calling providers expect.
func (r *Registry) OpenAPIView() []OpenAPIFunction {
	specs := r.List()
	out := make([]OpenAPIFunction, 0, len(specs))
	for _, spec := range specs {
		out = append(out, OpenAPIFunction{
			Type: "function",
			Function: OpenAPIFunctionBody{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.InputSchema,
			},
		})
	}
	return out
}

// XMLToolDescriptor describes a tool's XML invocation shape for models
// without native function-calling. XMLView produces it; the xmltools parser
// does not consult it (its parameter coercion is schema-free).
type XMLToolDescriptor struct {
	Name        string
	Description string
	Parameters  []XMLParameterDescriptor
}

// XMLParameterDescriptor describes one parameter's name, declared JSON
// Schema type, and whether the schema lists it as required.
type XMLParameterDescriptor struct {
	Name     string
	Type     string
	Required bool
}

// XMLView renders the registry's current tool catalog as XML invocation
// descriptors, by walking each tool's top-level JSON Schema properties.
// Nested schema shapes beyond one level are intentionally not descended
// into: the XML dialect only names top-level parameters.
func (r *Registry) XMLView() []XMLToolDescriptor {
	specs := r.List()
	out := make([]XMLToolDescriptor, 0, len(specs))
	for _, spec := range specs {
		out = append(out, XMLToolDescriptor{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  parseTopLevelProperties(spec.InputSchema),
		})
	}
	return out
}

func parseTopLevelProperties(schema json.RawMessage) []XMLParameterDescriptor {
	if len(schema) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil
	}
	required := make(map[string]struct{}, len(doc.Required))
	for _, name := range doc.Required {
		required[name] = struct{}{}
	}
	out := make([]XMLParameterDescriptor, 0, len(doc.Properties))
	for name, prop := range doc.Properties {
		_, isRequired := required[name]
		out = append(out, XMLParameterDescriptor{Name: name, Type: prop.Type, Required: isRequired})
	}
	return out
}
