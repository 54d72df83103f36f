package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR_NAME}} references in config content with
// environment variable values via text/template. Template syntax is
// used instead of $VAR so literal dollar signs in passwords, regex
// patterns, and shell snippets survive untouched.
//
// A missing variable expands to the empty string; validation catches
// required fields left empty. Content that fails to parse or execute
// as a template is returned unchanged and left to the YAML parser,
// whose error points at the actual problem.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
