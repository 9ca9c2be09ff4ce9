package validation

// Schema names accepted by Validator.Validate.
const (
	SchemaChart          = "chart"
	SchemaDiagramRequest = "diagram-request"
	SchemaRepairRequest  = "repair-request"
	SchemaSessionCreate  = "session-create"
	SchemaMessage        = "message"
	SchemaTheme          = "theme"
)

const schemaBase = "https://mermend.dev/schemas/"

// chartSchemaJSON accepts declarative chart specs: an object with one
// content field and one presentation field.
const chartSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "allOf": [
    {
      "anyOf": [
        { "required": ["data"] },
        { "required": ["datasets"] },
        { "required": ["values"] }
      ]
    },
    {
      "anyOf": [
        { "required": ["mark"] },
        { "required": ["encoding"] },
        { "required": ["layer"] }
      ]
    }
  ],
  "properties": {
    "$schema": { "type": "string" },
    "mark": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        { "type": "object", "required": ["type"] }
      ]
    },
    "encoding": { "type": "object" },
    "layer": { "type": "array", "minItems": 1 },
    "data": {
      "oneOf": [
        { "type": "object" },
        { "type": "array" }
      ]
    },
    "datasets": { "type": ["object", "array"] },
    "values": { "type": "array" },
    "width": { "oneOf": [{ "type": "number", "minimum": 0 }, { "const": "container" }] },
    "height": { "oneOf": [{ "type": "number", "minimum": 0 }, { "const": "container" }] },
    "config": { "type": "object" }
  }
}`

const specSchemaJSON = `{
  "oneOf": [
    { "type": "string" },
    {
      "type": "object",
      "required": ["definition"],
      "properties": {
        "definition": { "type": "string" },
        "type": { "type": "string" },
        "renderer": { "type": "string" }
      },
      "additionalProperties": false
    }
  ]
}`

const diagramRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["spec"],
  "properties": {
    "spec": ` + specSchemaJSON + `,
    "is_streaming": { "type": "boolean" },
    "is_block_closed": { "type": "boolean" },
    "force_render": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const repairRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["definition"],
  "properties": {
    "definition": { "type": "string", "minLength": 1 },
    "type": { "type": "string" },
    "trace": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const sessionCreateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "id": { "type": "string", "pattern": "^[A-Za-z0-9_.-]{1,128}$" },
    "dark": { "type": "boolean" },
    "low_power": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const messageSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": { "type": "string" },
    "is_streaming": { "type": "boolean" },
    "force_render": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const themeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["dark"],
  "properties": {
    "dark": { "type": "boolean" }
  },
  "additionalProperties": false
}`

var builtinSchemas = map[string]string{
	SchemaChart:          chartSchemaJSON,
	SchemaDiagramRequest: diagramRequestSchemaJSON,
	SchemaRepairRequest:  repairRequestSchemaJSON,
	SchemaSessionCreate:  sessionCreateSchemaJSON,
	SchemaMessage:        messageSchemaJSON,
	SchemaTheme:          themeSchemaJSON,
}
