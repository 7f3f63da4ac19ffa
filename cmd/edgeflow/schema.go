package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/spf13/pflag"

	"github.com/marmos91/edgeflow/pkg/config"
)

func runSchema(args []string) error {
	fs := pflag.NewFlagSet("schema", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	outputFile := "config.schema.json"
	if fs.NArg() > 0 {
		outputFile = fs.Arg(0)
	}

	schemaJSON, err := generateSchema()
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputFile, schemaJSON, 0644); err != nil {
		return fmt.Errorf("failed to write schema file: %w", err)
	}

	fmt.Printf("JSON schema written to %s\n", outputFile)
	return nil
}

// generateSchema reflects the configuration struct into a JSON schema.
// Field names follow the yaml tags used by the configuration file.
func generateSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		FieldNameTag:              "yaml",
	}

	schema := reflector.Reflect(&config.Config{})
	schema.Title = "edgeflow configuration"
	schema.Description = "Configuration schema for the edgeflow agent"

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}
