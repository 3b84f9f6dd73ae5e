package config

import (
	"strings"
	"testing"
)

func TestNewSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{"#Compute", "#Duration", "#NodeSpec", "#RunConfig", "#SSH", "#Target", "#User"}
	got := sr.ListSchemas()
	if len(got) != len(want) {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListSchemas()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if _, ok := sr.GetSchema("#RunConfig"); !ok {
		t.Error("#RunConfig not registered")
	}
	if _, ok := sr.GetSchema("#Missing"); ok {
		t.Error("GetSchema(#Missing) should fail")
	}
}

func TestValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		schema  string
		data    interface{}
		wantErr string
	}{
		{
			name:   "valid target",
			schema: "#Target",
			data:   map[string]interface{}{"id": "web-1", "address": "10.0.0.1", "port": 2222},
		},
		{
			name:    "missing address",
			schema:  "#Target",
			data:    map[string]interface{}{"id": "web-1"},
			wantErr: "validation failed",
		},
		{
			name:    "port out of range",
			schema:  "#Target",
			data:    map[string]interface{}{"id": "web-1", "address": "10.0.0.1", "port": 70000},
			wantErr: "validation failed",
		},
		{
			name:    "unknown field",
			schema:  "#Target",
			data:    map[string]interface{}{"id": "web-1", "address": "10.0.0.1", "hostname": "x"},
			wantErr: "validation failed",
		},
		{
			name:   "duration",
			schema: "#SSH",
			data:   map[string]interface{}{"command_timeout": "1h30m"},
		},
		{
			name:    "malformed duration",
			schema:  "#SSH",
			data:    map[string]interface{}{"command_timeout": "ten minutes"},
			wantErr: "validation failed",
		},
		{
			name:    "unknown schema",
			schema:  "#Nope",
			data:    map[string]interface{}{},
			wantErr: "schema #Nope not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(tt.schema, tt.data)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateAgainstSchema() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ValidateAgainstSchema() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema(`#Role: {name: string, weight: int & >=0}`); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}
	if err := sr.ValidateAgainstSchema("#Role", map[string]interface{}{"name": "web", "weight": 3}); err != nil {
		t.Errorf("valid #Role rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema("#Role", map[string]interface{}{"name": "web", "weight": -1}); err == nil {
		t.Error("negative weight accepted")
	}

	if err := sr.RegisterSchema(`#Broken: {`); err == nil {
		t.Error("RegisterSchema() accepted invalid CUE")
	}
}
