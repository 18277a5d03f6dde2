package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Frame is the unit exchanged over the channel in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const frameSchemaURL = "clinicsync-frame.json"

const frameSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1}
	}
}`

var frameSchema = mustCompileFrameSchema()

func mustCompileFrameSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse frame schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("add frame schema: %v", err))
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("compile frame schema: %v", err))
	}
	return schema
}

func decodeFrame(data []byte) (Frame, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	if err := frameSchema.Validate(instance); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}

func encodeFrame(eventType string, payload any) ([]byte, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("frame type is required")
	}
	var raw json.RawMessage
	if payload != nil {
		switch v := payload.(type) {
		case json.RawMessage:
			raw = v
		default:
			encoded, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode payload: %w", err)
			}
			raw = encoded
		}
	}
	return json.Marshal(Frame{Type: eventType, Payload: raw})
}
