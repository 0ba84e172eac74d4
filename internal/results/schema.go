package results

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// summarySchema covers the parts of a k6 handleSummary document that the
// parser reads.
const summarySchema = `{
  "type": "object",
  "required": ["metrics", "state", "root_group", "k6_config"],
  "properties": {
    "metrics": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["values"],
        "properties": {"values": {"type": "object"}}
      }
    },
    "state": {
      "type": "object",
      "required": ["testRunDurationMs"],
      "properties": {"testRunDurationMs": {"type": "number", "minimum": 0}}
    },
    "root_group": {
      "type": "object",
      "required": ["checks"],
      "properties": {
        "checks": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["passes", "fails"],
            "properties": {
              "passes": {"type": "integer", "minimum": 0},
              "fails": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    },
    "k6_config": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string"},
        "duration": {"type": "string"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(summarySchema)

func validateSummary(raw []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSummary, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidSummary, strings.Join(msgs, "; "))
	}
	return nil
}
