package schema_test

import (
	"testing"
	"testing/fstest"

	"github.com/relabs-tech/iotdemo/core/schema"
)

const (
	ref1 = `{ "type" : "integer" ,
		      "$id" : "http://iotdemo.local/count.json"}`
	ref2 = `{ "$id" : "http://iotdemo.local/positive.json",
	 		  "minimum" : 0 }`

	topLevel = `
	{ "$id" : "http://iotdemo.local/desired.json",
	  "type": "object",
	  "properties": {
		"maxMessages": {
		  "allOf" : [
			{ "$ref" : "http://iotdemo.local/count.json" },
			{ "$ref" : "http://iotdemo.local/positive.json" }
		  ]
		}
	  }
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel}, []string{ref1, ref2})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID := "http://iotdemo.local/desired.json"
	if !v.HasSchema(schemaID) {
		t.Fatalf("schema %s expected to be known", schemaID)
	}

	for _, valid := range []string{`{}`, `{"maxMessages": 3}`, `{"maxMessages": 0, "other": "x"}`} {
		if err := v.ValidateString(valid, schemaID); err != nil {
			t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", valid, schemaID, err)
		}
	}

	for _, invalid := range []string{`[]`, `{"maxMessages": "3"}`, `{"maxMessages": -1}`, `{"maxMessages": 1.5}`} {
		if err := v.ValidateBytes([]byte(invalid), schemaID); err == nil {
			t.Fatalf("%s is expected to be invalid with schema %s", invalid, schemaID)
		}
	}

	if err := v.ValidateString(`{}`, "http://iotdemo.local/unknown.json"); err == nil {
		t.Fatalf("validation against an unknown schema is expected to fail")
	}
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/desired.json":    {Data: []byte(topLevel)},
		"schemas/refs/count.json": {Data: []byte(ref1)},
		"schemas/refs/pos.json":   {Data: []byte(ref2)},
		"schemas/README.md":       {Data: []byte("ignored")},
	}
	v, err := schema.NewValidatorFromFS(fsys, "schemas")
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}
	if err := v.ValidateString(`{"maxMessages": -4}`, "http://iotdemo.local/desired.json"); err == nil {
		t.Fatalf("negative maxMessages is expected to be invalid")
	}

	// refs are optional
	if _, err := schema.NewValidatorFromFS(fstest.MapFS{
		"only/schema.json": {Data: []byte(`{"$id": "http://iotdemo.local/any.json"}`)},
	}, "only"); err != nil {
		t.Fatalf("No error expected without refs, got %v", err)
	}
}
