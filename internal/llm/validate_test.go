package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

var gradeSchema = &Schema{
	Name: "test-grade",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"score":    map[string]any{"type": "number"},
			"feedback": map[string]any{"type": "string"},
		},
		"required":             []string{"score", "feedback"},
		"additionalProperties": false,
	},
}

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name    string
		schema  *Schema
		raw     string
		wantErr bool
	}{
		{"nil schema accepts anything", nil, "NOTA: 8", false},
		{"valid", gradeSchema, `{"score": 8, "feedback": "Bom."}`, false},
		{"not JSON", gradeSchema, "NOTA: 8\nFEEDBACK: Bom.", true},
		{"missing field", gradeSchema, `{"score": 8}`, true},
		{"wrong type", gradeSchema, `{"score": "oito", "feedback": "Bom."}`, true},
		{"extra field", gradeSchema, `{"score": 8, "feedback": "Bom.", "x": 1}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateResponse(tt.schema, json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var inv *ErrInvalidResponse
			if !errors.As(err, &inv) {
				t.Fatalf("expected *ErrInvalidResponse, got %T", err)
			}
			if string(inv.Content) != tt.raw {
				t.Errorf("Content = %q, want raw reply %q", inv.Content, tt.raw)
			}
		})
	}
}
