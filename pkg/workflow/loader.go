package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Manifest file names within a workflow directory.
const (
	fileAgents            = "agents.json"
	fileTools             = "tools.json"
	fileHandoffs          = "handoffs.json"
	fileContextVariables  = "context_variables.json"
	fileStructuredOutputs = "structured_outputs.json"
	fileOrchestrator      = "orchestrator.json"
	fileMCPServers        = "tools/mcp_servers.json"
)

// Load reads and validates the workflow directory at dir. The workflow
// name is the directory's base name.
//
// Load order:
//  1. Parse each manifest file: JSON Schema check, then strict decode
//     (unknown fields rejected at both layers).
//  2. Cross-validate references between manifests, collecting every
//     failure into one ConfigInvalidError.
//  3. Build lookup indexes; the returned config is immutable.
func Load(dir string) (*WorkflowConfig, error) {
	l := &loader{dir: dir, name: filepath.Base(filepath.Clean(dir))}
	return l.load()
}

type loader struct {
	dir  string
	name string
}

func (l *loader) load() (*WorkflowConfig, error) {
	cfg := &WorkflowConfig{Name: l.name, Dir: l.dir}

	var agentsDoc struct {
		Agents []*AgentSpec `json:"agents"`
	}
	if err := l.readManifest(fileAgents, &agentsDoc); err != nil {
		return nil, err
	}
	cfg.Agents = agentsDoc.Agents

	var toolsDoc struct {
		Tools []*ToolSpec `json:"tools"`
	}
	if err := l.readManifest(fileTools, &toolsDoc); err != nil {
		return nil, err
	}
	cfg.Tools = toolsDoc.Tools

	var handoffsDoc struct {
		Handoffs []*HandoffRule `json:"handoffs"`
	}
	if err := l.readManifest(fileHandoffs, &handoffsDoc); err != nil {
		return nil, err
	}
	cfg.Handoffs = handoffsDoc.Handoffs

	var varsDoc struct {
		Variables []*ContextVariableSpec `json:"variables"`
	}
	if err := l.readManifest(fileContextVariables, &varsDoc); err != nil {
		return nil, err
	}
	cfg.ContextVariables = varsDoc.Variables

	var outputsDoc struct {
		Outputs []*StructuredOutputSpec `json:"outputs"`
	}
	if err := l.readManifest(fileStructuredOutputs, &outputsDoc); err != nil {
		return nil, err
	}
	cfg.StructuredOutputs = outputsDoc.Outputs

	var orchDoc OrchestratorConfig
	if err := l.readManifest(fileOrchestrator, &orchDoc); err != nil {
		return nil, err
	}
	cfg.Orchestrator = &orchDoc

	// MCP server declarations are optional; absent file means no MCP tools.
	var mcpDoc struct {
		Servers []*MCPServerSpec `json:"servers"`
	}
	switch err := l.readManifest(fileMCPServers, &mcpDoc); {
	case err == nil:
		cfg.MCPServers = mcpDoc.Servers
	case isMissing(err):
	default:
		return nil, err
	}

	result := validateConfig(cfg)
	cfg.Warnings = result.warnings
	if len(result.errors) > 0 {
		return nil, &ConfigInvalidError{Workflow: l.name, Errors: result.errors, Warnings: result.warnings}
	}

	cfg.buildIndexes()
	return cfg, nil
}

// readManifest reads one manifest file, validates it against its embedded
// schema, then decodes it strictly into out.
func (l *loader) readManifest(file string, out any) error {
	path := filepath.Join(l.dir, filepath.FromSlash(file))
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LoadError{File: file, Err: ErrManifestMissing}
		}
		return &LoadError{File: file, Err: err}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &LoadError{File: file, Err: fmt.Errorf("%w: %v", ErrInvalidJSON, err)}
	}

	schema, err := manifestSchema(file)
	if err != nil {
		return &LoadError{File: file, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &LoadError{File: file, Err: fmt.Errorf("%w: %v", ErrSchemaViolation, formatSchemaError(err))}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &LoadError{File: file, Err: err}
	}
	return nil
}

// formatSchemaError flattens jsonschema's detailed output into one line
// suitable for a collected error report.
func formatSchemaError(err error) error {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return errors.New(ve.Error())
	}
	return err
}

func isMissing(err error) bool {
	return errors.Is(err, ErrManifestMissing)
}
