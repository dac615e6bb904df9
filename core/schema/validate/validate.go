// Package validate checks durable JSON records against the embedded v1
// JSON Schemas. The schemas ship inside the binary so validation never
// depends on a repository checkout being present at runtime.
package validate

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// Schema names one embedded schema document.
type Schema string

const (
	SessionEvent      Schema = "v1/session/event.schema.json"
	ManifestRecord    Schema = "v1/session/manifest_record.schema.json"
	BlockerReport     Schema = "v1/guardrail/blocker_report.schema.json"
	CompiledWorkflow  Schema = "v1/workflow/compiled_workflow.schema.json"
	ExecutionSnapshot Schema = "v1/workflow/execution_snapshot.schema.json"
)

//go:embed schemas
var schemaFS embed.FS

var (
	compiledMu sync.Mutex
	compiled   = map[Schema]*jsonschema.Schema{}
)

func ValidateJSON(name Schema, data []byte) error {
	schema, err := loadSchema(name)
	if err != nil {
		return err
	}
	return validateJSON(name, schema, data)
}

func ValidateJSONFile(name Schema, jsonPath string) error {
	schema, err := loadSchema(name)
	if err != nil {
		return err
	}
	// #nosec G304 -- callers pass paths inside their own store root.
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return fmt.Errorf("read json: %w", err)
	}
	return validateJSON(name, schema, data)
}

func ValidateJSONL(name Schema, data []byte) error {
	schema, err := loadSchema(name)
	if err != nil {
		return err
	}
	return validateJSONL(name, schema, data)
}

func ValidateJSONLFile(name Schema, jsonlPath string) error {
	schema, err := loadSchema(name)
	if err != nil {
		return err
	}
	// #nosec G304 -- callers pass paths inside their own store root.
	data, err := os.ReadFile(jsonlPath)
	if err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return validateJSONL(name, schema, data)
}

func loadSchema(name Schema) (*jsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if schema, ok := compiled[name]; ok {
		return schema, nil
	}
	data, err := schemaFS.ReadFile("schemas/" + string(name))
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	compiled[name] = schema
	return schema, nil
}

func validateJSON(name Schema, schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema %s validation failed: %v", name, result.Errors)
}

func validateJSONL(name Schema, schema *jsonschema.Schema, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(name, schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}
