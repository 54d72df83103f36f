package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	type doc struct {
		Timeout Duration `yaml:"timeout"`
	}

	t.Run("parses duration strings", func(t *testing.T) {
		for input, want := range map[string]time.Duration{
			"250ms":  250 * time.Millisecond,
			"30s":    30 * time.Second,
			"1h30m":  90 * time.Minute,
			"\"5m\"": 5 * time.Minute,
		} {
			var d doc
			require.NoError(t, yaml.Unmarshal([]byte("timeout: "+input), &d), input)
			assert.Equal(t, want, d.Timeout.Std(), input)
		}
	})

	t.Run("rejects bare numbers and garbage", func(t *testing.T) {
		for _, input := range []string{"timeout: 30", "timeout: banana", "timeout: [1, 2]"} {
			var d doc
			assert.Error(t, yaml.Unmarshal([]byte(input), &d), input)
		}
	})

	t.Run("marshals back to duration form", func(t *testing.T) {
		out, err := yaml.Marshal(doc{Timeout: Duration(90 * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, "timeout: 1m30s\n", string(out))
	})
}
