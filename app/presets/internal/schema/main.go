package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/umputun/forgeq/app/presets"
)

func main() {
	schema := presets.GenerateSchema()
	schema.Title = "forgeq presets schema"
	schema.Description = "Schema for forgeq generation presets file"
	schema.Version = "1.0.0"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal schema: %v", err)
	}

	outputPath := "presets-schema.json"
	if len(os.Args) > 1 {
		outputPath = os.Args[1]
	}
	if err := os.WriteFile(outputPath, data, 0o600); err != nil {
		log.Fatalf("failed to write schema file: %v", err)
	}
	fmt.Printf("Schema generated successfully at %s\n", outputPath)
}
