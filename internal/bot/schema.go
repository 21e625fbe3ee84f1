package bot

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const infoSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "support"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "support": {
      "type": "object",
      "required": ["stages"],
      "properties": {
        "stages": {"type": "array", "items": {"type": "integer", "minimum": 0}},
        "decks": {"type": "array"},
        "anyDeck": {"type": "boolean"}
      },
      "oneOf": [
        {"required": ["anyDeck"], "properties": {"anyDeck": {"const": true}}, "not": {"required": ["decks"]}},
        {"required": ["decks"], "not": {"properties": {"anyDeck": {"const": true}}, "required": ["anyDeck"]}}
      ]
    }
  }
}`

var (
	infoSchemaOnce sync.Once
	infoSchema     *jsonschema.Schema
	infoSchemaErr  error
)

func compiledInfoSchema() (*jsonschema.Schema, error) {
	infoSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(infoSchemaJSON)))
		if err != nil {
			infoSchemaErr = fmt.Errorf("unmarshal info schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("bot-info.json", doc); err != nil {
			infoSchemaErr = fmt.Errorf("add info schema resource: %w", err)
			return
		}
		infoSchema, infoSchemaErr = c.Compile("bot-info.json")
		if infoSchemaErr != nil {
			infoSchemaErr = fmt.Errorf("compile info schema: %w", infoSchemaErr)
		}
	})
	return infoSchema, infoSchemaErr
}

func validateInfoJSON(raw []byte) error {
	schema, err := compiledInfoSchema()
	if err != nil {
		return err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid bot info JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("bot info failed validation: %w", err)
	}
	return nil
}
