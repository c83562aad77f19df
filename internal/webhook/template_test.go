package webhook_test

import (
	"encoding/json"
	"testing"

	"github.com/stefanodecillis/opengate/internal/models"
	"github.com/stefanodecillis/opengate/internal/webhook"
)

func payloadDoc(t *testing.T, raw string) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return doc
}

func TestInterpolateDottedPath(t *testing.T) {
	root := payloadDoc(t, `{"payload": {"repo": {"name": "opengate"}, "sender": "ci"}}`)

	got := webhook.Interpolate("Build {{payload.repo.name}} by {{payload.sender}}", root)
	if got != "Build opengate by ci" {
		t.Fatalf("got %q", got)
	}
}

func TestInterpolateArrayIndex(t *testing.T) {
	root := payloadDoc(t, `{"payload": {"commits": [{"id": "abc123"}, {"id": "def456"}]}}`)

	if got := webhook.Interpolate("{{payload.commits.0.id}}", root); got != "abc123" {
		t.Fatalf("got %q", got)
	}
	if got := webhook.Interpolate("{{payload.commits.1.id}}", root); got != "def456" {
		t.Fatalf("got %q", got)
	}
}

func TestInterpolateMissingPathIsEmpty(t *testing.T) {
	root := payloadDoc(t, `{"payload": {}}`)

	if got := webhook.Interpolate("x{{payload.nope.deep}}y", root); got != "xy" {
		t.Fatalf("got %q", got)
	}
	// Out-of-range index.
	root = payloadDoc(t, `{"payload": {"items": []}}`)
	if got := webhook.Interpolate("{{payload.items.3}}", root); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestInterpolateNonStringValues(t *testing.T) {
	root := payloadDoc(t, `{"payload": {"count": 3, "ok": true}}`)

	if got := webhook.Interpolate("{{payload.count}}/{{payload.ok}}", root); got != "3/true" {
		t.Fatalf("got %q", got)
	}
}

func TestInterpolateJSONRewritesNestedStrings(t *testing.T) {
	root := payloadDoc(t, `{"payload": {"title": "fix login"}}`)
	doc := map[string]any{
		"title": "From hook: {{payload.title}}",
		"tags":  []any{"{{payload.title}}", "inbound"},
		"n":     float64(7),
	}

	out := webhook.InterpolateJSON(doc, root).(map[string]any)
	if out["title"] != "From hook: fix login" {
		t.Fatalf("title = %v", out["title"])
	}
	tags := out["tags"].([]any)
	if tags[0] != "fix login" || tags[1] != "inbound" {
		t.Fatalf("tags = %v", tags)
	}
	if out["n"] != float64(7) {
		t.Fatalf("n = %v", out["n"])
	}
}

func TestValidateActionConfig(t *testing.T) {
	valid := json.RawMessage(`{"title": "{{payload.title}}", "priority": "high", "tags": ["hook"]}`)
	if err := webhook.ValidateActionConfig("create_task", valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	if err := webhook.ValidateActionConfig("delete_everything", valid); models.KindOf(err) != models.KindValidation {
		t.Fatalf("unknown action type should be a validation error, got %v", err)
	}

	missingTitle := json.RawMessage(`{"priority": "high"}`)
	if err := webhook.ValidateActionConfig("create_task", missingTitle); err == nil {
		t.Fatal("config without title should be rejected")
	}

	badPriority := json.RawMessage(`{"title": "x", "priority": "urgent"}`)
	if err := webhook.ValidateActionConfig("create_task", badPriority); err == nil {
		t.Fatal("bad priority should be rejected")
	}

	notJSON := json.RawMessage(`"just a string"`)
	if err := webhook.ValidateActionConfig("create_task", notJSON); err == nil {
		t.Fatal("non-object config should be rejected")
	}
}
