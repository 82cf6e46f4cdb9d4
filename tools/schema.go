package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// GenerateSchema reflects a JSON-schema argument shape from a typed Go
// struct, so a Tool's InputSchema() and its argument-decode step
// (DecodeArgs, below) are generated from the same struct and can never
// drift apart.
func GenerateSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection of a concrete Go struct cannot fail to marshal; a
		// panic here means the struct itself is misdeclared.
		panic(fmt.Sprintf("tools: reflect schema for %T: %v", *new(T), err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("tools: decode reflected schema for %T: %v", *new(T), err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// DecodeArgs decodes an untyped tool-call argument map into T, using the
// same struct that produced T's schema via GenerateSchema.
func DecodeArgs[T any](args map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return out, fmt.Errorf("tools: build decoder: %w", err)
	}
	if err := dec.Decode(args); err != nil {
		return out, fmt.Errorf("tools: decode args: %w", err)
	}
	return out, nil
}
