package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stefanodecillis/opengate/internal/models"
)

// createTaskConfigSchema constrains the create_task action config: a task
// template whose string fields may carry {{payload.*}} placeholders.
const createTaskConfigSchema = `{
	"type": "object",
	"required": ["title"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"priority": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
		"tags": {"type": "array", "items": {"type": "string"}},
		"context": {"type": "object"},
		"assignee_id": {"type": "string"},
		"due_date": {"type": "string"},
		"scheduled_at": {"type": "string"}
	},
	"additionalProperties": false
}`

var createTaskSchema = mustCompileSchema(createTaskConfigSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator expects.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("unmarshal embedded schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("create_task_config.json", doc); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	schema, err := c.Compile("create_task_config.json")
	if err != nil {
		panic(fmt.Sprintf("compile embedded schema: %v", err))
	}
	return schema
}

// ValidateActionConfig checks a trigger's action_type and action_config at
// registration time. Unknown action types are unprocessable.
func ValidateActionConfig(actionType string, config json.RawMessage) error {
	if actionType != "create_task" {
		return models.ValidationErr(fmt.Sprintf("unknown action_type '%s' (supported: create_task)", actionType))
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(config)))
	if err != nil {
		return models.ValidationErr("action_config must be valid JSON")
	}
	if err := createTaskSchema.Validate(doc); err != nil {
		return models.ValidationErr(fmt.Sprintf("invalid action_config: %v", err))
	}
	return nil
}
