package flow

// flowSchema is the JSON-schema contract for a flow document. Struct-level
// validation catches the rest; the schema gives early, field-pointed errors
// for hand-written YAML.
const flowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "datasites", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 3},
    "version": {"type": "string"},
    "vars": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "datasites": {
      "type": "object",
      "required": ["all"],
      "properties": {
        "all": {
          "type": "array",
          "items": {"type": "string"},
          "minItems": 1
        },
        "groups": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["include"],
            "properties": {
              "include": {
                "type": "array",
                "items": {"type": "string"},
                "minItems": 1
              }
            }
          }
        }
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "uses": {"type": "string"},
          "depends_on": {
            "type": "array",
            "items": {"type": "string"}
          },
          "run": {
            "type": "object",
            "required": ["targets"],
            "properties": {
              "targets": {"type": "string"},
              "strategy": {"enum": ["parallel", "sequential"]}
            }
          },
          "barrier": {
            "type": "object",
            "required": ["wait_for", "targets"],
            "properties": {
              "wait_for": {"type": "string"},
              "targets": {"type": "string"},
              "timeout": {"type": "integer", "minimum": 0}
            }
          },
          "with": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          },
          "share": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "required": ["source"],
              "properties": {
                "source": {"type": "string"},
                "url": {"type": "string"},
                "permissions": {
                  "type": "object",
                  "properties": {
                    "read": {
                      "type": "array",
                      "items": {"type": "string"}
                    }
                  }
                }
              }
            }
          },
          "aggregate": {
            "type": "object",
            "required": ["contributors", "source_step", "artifact"],
            "properties": {
              "contributors": {"type": "string"},
              "source_step": {"type": "string"},
              "artifact": {"type": "string"},
              "quorum": {"type": "integer", "minimum": 1}
            }
          }
        }
      }
    }
  }
}`
