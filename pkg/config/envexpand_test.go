package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_DB_HOST", "db.internal")
	t.Setenv("TEST_DB_PORT", "5433")
	t.Setenv("TEST_SECRET", "p@ss$word=x")

	t.Run("expands set variables", func(t *testing.T) {
		out := ExpandEnv([]byte("host: {{.TEST_DB_HOST}}:{{.TEST_DB_PORT}}"))
		assert.Equal(t, "host: db.internal:5433", string(out))
	})

	t.Run("value with dollar and equals survives", func(t *testing.T) {
		out := ExpandEnv([]byte("password: {{.TEST_SECRET}}"))
		assert.Equal(t, "password: p@ss$word=x", string(out))
	})

	t.Run("missing variable expands to empty", func(t *testing.T) {
		out := ExpandEnv([]byte("key: '{{.DEFINITELY_NOT_SET_ANYWHERE}}'"))
		assert.Equal(t, "key: ''", string(out))
	})

	t.Run("literal dollar signs untouched", func(t *testing.T) {
		in := []byte(`pattern: "^secret.*$"` + "\n" + `shell: "$PATH and ${ARR[0]}"`)
		assert.Equal(t, in, ExpandEnv(in))
	})

	t.Run("malformed template passes through", func(t *testing.T) {
		in := []byte("broken: {{.UNCLOSED")
		assert.Equal(t, in, ExpandEnv(in))
	})

	t.Run("no template syntax passes through", func(t *testing.T) {
		in := []byte("plain: yaml\nnumber: 42\n")
		assert.Equal(t, in, ExpandEnv(in))
	})
}
