package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// manifestSchemaRegistry holds the compiled schemas for the six manifest
// files, built once on first use.
type manifestSchemaRegistry struct {
	once    sync.Once
	initErr error
	byFile  map[string]*jsonschema.Schema
}

var manifestSchemas manifestSchemaRegistry

func initManifestSchemas() error {
	manifestSchemas.once.Do(func() {
		sources := map[string]string{
			fileAgents:            agentsSchema,
			fileTools:             toolsSchema,
			fileHandoffs:          handoffsSchema,
			fileContextVariables:  contextVariablesSchema,
			fileStructuredOutputs: structuredOutputsSchema,
			fileOrchestrator:      orchestratorSchema,
			fileMCPServers:        mcpServersSchema,
		}
		manifestSchemas.byFile = make(map[string]*jsonschema.Schema, len(sources))
		for file, src := range sources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				manifestSchemas.initErr = fmt.Errorf("parsing schema for %s: %w", file, err)
				return
			}
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(file, doc); err != nil {
				manifestSchemas.initErr = fmt.Errorf("adding schema resource for %s: %w", file, err)
				return
			}
			compiled, err := compiler.Compile(file)
			if err != nil {
				manifestSchemas.initErr = fmt.Errorf("compiling schema for %s: %w", file, err)
				return
			}
			manifestSchemas.byFile[file] = compiled
		}
	})
	return manifestSchemas.initErr
}

// manifestSchema returns the compiled schema for a manifest file name.
func manifestSchema(file string) (*jsonschema.Schema, error) {
	if err := initManifestSchemas(); err != nil {
		return nil, err
	}
	return manifestSchemas.byFile[file], nil
}

const agentsSchema = `{
  "type": "object",
  "required": ["agents"],
  "additionalProperties": false,
  "properties": {
    "agents": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "system_message"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "system_message": {"type": "string", "minLength": 1},
          "max_consecutive_auto_reply": {"type": "integer", "minimum": 1},
          "auto_tool_mode": {"type": "boolean"},
          "structured_outputs_required": {"type": "boolean"},
          "tools": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "llm_config": {"type": "string"}
        }
      }
    }
  }
}`

const toolsSchema = `{
  "type": "object",
  "required": ["tools"],
  "additionalProperties": false,
  "properties": {
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["backend", "ui"]},
          "description": {"type": "string"},
          "auto_invoke": {"type": "boolean"},
          "ui": {
            "type": "object",
            "required": ["component", "mode"],
            "additionalProperties": false,
            "properties": {
              "component": {"type": "string", "minLength": 1},
              "mode": {"enum": ["inline", "artifact"]}
            }
          },
          "impl": {
            "type": "object",
            "required": ["kind"],
            "additionalProperties": false,
            "properties": {
              "kind": {"enum": ["builtin", "mcp"]},
              "name": {"type": "string"},
              "server": {"type": "string"},
              "tool": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

const handoffsSchema = `{
  "type": "object",
  "required": ["handoffs"],
  "additionalProperties": false,
  "properties": {
    "handoffs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source_agent", "target_agent", "handoff_type"],
        "additionalProperties": false,
        "properties": {
          "source_agent": {"type": "string", "minLength": 1},
          "target_agent": {"type": "string", "minLength": 1},
          "handoff_type": {"enum": ["after_work", "condition"]},
          "condition_type": {"enum": ["expression", "string_llm"]},
          "condition": {"type": "string"},
          "condition_scope": {"enum": ["pre"]},
          "truthy_match": {"type": "string"}
        }
      }
    }
  }
}`

const contextVariablesSchema = `{
  "type": "object",
  "required": ["variables"],
  "additionalProperties": false,
  "properties": {
    "variables": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["static", "environment", "database", "derived"]},
          "value": {},
          "env": {"type": "string"},
          "query": {"type": "string"},
          "exposed_to": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "triggers": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["kind"],
              "additionalProperties": false,
              "properties": {
                "kind": {"enum": ["agent_text", "ui_response"]},
                "agent": {"type": "string"},
                "match": {"enum": ["regex", "equals", "contains"]},
                "pattern": {"type": "string"},
                "value": {"type": "string"},
                "tool": {"type": "string"},
                "response_key": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

const structuredOutputsSchema = `{
  "type": "object",
  "required": ["outputs"],
  "additionalProperties": false,
  "properties": {
    "outputs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["agent", "schema"],
        "additionalProperties": false,
        "properties": {
          "agent": {"type": "string", "minLength": 1},
          "schema": {"type": "object"},
          "ui_tools": {"type": "array", "items": {"type": "string", "minLength": 1}}
        }
      }
    }
  }
}`

const orchestratorSchema = `{
  "type": "object",
  "required": ["startup_mode", "visual_agents"],
  "additionalProperties": false,
  "properties": {
    "startup_mode": {"enum": ["AgentDriven", "UserDriven"]},
    "max_turns": {"type": "integer", "minimum": 1},
    "visual_agents": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "initial_message": {"type": "string"},
    "initial_message_to_user": {"type": "string"},
    "termination_conditions": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_consecutive_auto_replies": {"type": "integer", "minimum": 1},
        "context_variable_trigger": {"type": "string"}
      }
    }
  }
}`

const mcpServersSchema = `{
  "type": "object",
  "required": ["servers"],
  "additionalProperties": false,
  "properties": {
    "servers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "transport"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "transport": {"enum": ["stdio", "http"]},
          "command": {"type": "string"},
          "args": {"type": "array", "items": {"type": "string"}},
          "url": {"type": "string"}
        }
      }
    }
  }
}`
