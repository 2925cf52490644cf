// Package schema holds the JSON schemas the public API validates request
// bodies against. Schemas are compiled once at process start; a schema that
// fails to compile is a programming error and panics immediately.
package schema

import "github.com/xeipuuv/gojsonschema"

var DownloadVideoSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"project_id": {"type": "integer", "minimum": 1},
		"user_id": {"type": "integer", "minimum": 1},
		"quality": {"type": "string"}
	},
	"additionalProperties": false,
	"required": [
		"url",
		"project_id",
		"user_id"
	]
}`

// GenerateSRTSchemaDefinition allows an optional transcription window. The
// pairing rule (both ends or neither) is enforced by the handler because a
// JSON schema cannot express it cleanly.
var GenerateSRTSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"start": {"type": "string"},
		"end": {"type": "string"}
	},
	"additionalProperties": false
}`

// ValidateSliceDataSchemaDefinition checks shape only; the interval rules
// over analysis_data are cross-field arithmetic done by the plan package.
var ValidateSliceDataSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"video_id": {"type": "integer", "minimum": 1},
		"cover_title": {"type": "string", "minLength": 1},
		"analysis_data": {"type": "array"}
	},
	"additionalProperties": false,
	"required": [
		"video_id",
		"cover_title",
		"analysis_data"
	]
}`

var ProcessSlicesSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"analysis_id": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false,
	"required": [
		"analysis_id"
	]
}`

var inputSchemas map[string]string = map[string]string{
	"DownloadVideo":     DownloadVideoSchemaDefinition,
	"GenerateSRT":       GenerateSRTSchemaDefinition,
	"ValidateSliceData": ValidateSliceDataSchemaDefinition,
	"ProcessSlices":     ProcessSlicesSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, len(inputSchemas))
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// raise panic on program start
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

// Compiled is keyed by request kind, ready for Validate calls.
var Compiled map[string]*gojsonschema.Schema = compileJsonSchemas()
