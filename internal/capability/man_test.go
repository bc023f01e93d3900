package capability

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManual(t *testing.T) {
	m, err := LoadManual()
	require.NoError(t, err)

	var names []string
	for _, f := range m.Funcs {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Broadcast", "Curl", "Load", "Periodic", "Save", "Say"}, names)

	sigs := map[string]string{
		"Broadcast": "Broadcast(name, msg any, color ...string)",
		"Curl":      "Curl(url string) string",
		"Load":      "Load(key string) any",
		"Periodic":  "Periodic(name string, minute, hour, dayofweek any, fn any) func()",
		"Save":      "Save(key string, value any)",
		"Say":       "Say(msg any)",
	}
	for _, f := range m.Funcs {
		assert.Equal(t, sigs[f.Name], f.Signature)
		assert.True(t, strings.HasPrefix(f.Summary(), f.Name+" "), "summary of %s: %q", f.Name, f.Summary())
	}
	assert.Contains(t, m.Overview, "func OnMessage(name, message string)")
}

func TestManual_Render(t *testing.T) {
	m, err := LoadManual()
	require.NoError(t, err)

	page := m.Render()
	assert.True(t, strings.HasSuffix(page, "For more information on each function, type man FUNCTION_NAME"))

	var lines []string
	for _, line := range strings.Split(page, "\n") {
		if strings.HasPrefix(line, "    ") && strings.Contains(line, "(") && !strings.HasPrefix(line, "    \t") {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, len(m.Funcs))
	for i, f := range m.Funcs {
		assert.True(t, strings.HasPrefix(lines[i], "    "+f.Signature))
		assert.True(t, strings.HasSuffix(lines[i], f.Summary()))
	}
}

func TestManual_RenderFunc(t *testing.T) {
	m, err := LoadManual()
	require.NoError(t, err)

	page, err := m.RenderFunc("say")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(page, "Say(msg any)    Say makes the chatbot say something"))

	_, err = m.RenderFunc("exec")
	assert.EqualError(t, err, "exec is not a valid function name")
}
