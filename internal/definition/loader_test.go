package definition

import (
	"testing"

	"github.com/pitabwire/flowdesk/model"
)

func TestLoader_LoadFile_yaml(t *testing.T) {
	def, err := NewLoader().LoadFile("testdata/valid/ticket-approval.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if def.Key != "high-value-approval" {
		t.Errorf("Key = %q", def.Key)
	}
	if len(def.Nodes) != 5 || len(def.Edges) != 4 {
		t.Fatalf("nodes = %d, edges = %d", len(def.Nodes), len(def.Edges))
	}
	if def.Nodes[2].Type != model.NodeApproval {
		t.Errorf("Nodes[2].Type = %q", def.Nodes[2].Type)
	}
	if errs := NewValidator().Validate(def); len(errs) > 0 {
		t.Errorf("loaded definition is invalid: %v", errs)
	}
}

func TestLoader_LoadFile_json(t *testing.T) {
	def, err := NewLoader().LoadFile("testdata/valid/parallel-review.json")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if def.Edges[3].Label != model.LabelApproved {
		t.Errorf("Edges[3].Label = %q", def.Edges[3].Label)
	}
	if errs := NewValidator().Validate(def); len(errs) > 0 {
		t.Errorf("loaded definition is invalid: %v", errs)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	if _, err := NewLoader().LoadFile("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	if _, err := NewLoader().LoadFile("testdata/invalid/bad.yaml"); err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/valid"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Errorf("LoadAll() = %d definitions, want 2", len(defs))
	}
}

func TestLoader_LoadAll_propagates_errors(t *testing.T) {
	if _, err := NewLoader().LoadAll([]string{"testdata"}); err == nil {
		t.Fatal("LoadAll() over a broken file should return error")
	}
}
