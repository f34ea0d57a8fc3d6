package api

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const eventSchemaURL = "b24sync-event.schema.json"

// eventSchema describes the normalized tuple accepted on POST /events.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "entity_type_id", "item_id"],
  "additionalProperties": false,
  "properties": {
    "event": {"type": "string", "pattern": "^[A-Z_]{1,64}$"},
    "entity_type_id": {"type": "integer", "minimum": 1},
    "item_id": {"type": "integer", "minimum": 1},
    "payload": {}
  }
}`

func compileEventSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("parsing event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("adding event schema: %w", err)
	}
	sch, err := c.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling event schema: %w", err)
	}
	return sch, nil
}

// validateEvent checks body against the event schema.
func validateEvent(sch *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return sch.Validate(inst)
}
