package api

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchemaJSON validates event creation bodies before they reach the store.
const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title"],
	"properties": {
		"id": {"type": "string"},
		"title": {"type": "string", "minLength": 1, "maxLength": 200},
		"datetime": {"type": "string"},
		"host": {"type": "string", "maxLength": 200},
		"state": {"enum": ["draft", "published", "ended"]},
		"solanaMint": {"type": "string"},
		"solanaAuthority": {"type": "string"},
		"solanaGrantId": {"type": "string"},
		"ticketTokenAmount": {"type": "integer", "minimum": 1},
		"claimIntervalDays": {"type": "integer", "minimum": 1},
		"maxClaimsPerInterval": {"type": ["integer", "null"], "minimum": 1},
		"riskProfile": {"type": "string"}
	}
}`

var eventSchema = jsonschema.MustCompileString("event.json", eventSchemaJSON)

// validateEventBody checks a decoded creation body against the event schema.
func validateEventBody(v any) error {
	return eventSchema.Validate(v)
}
