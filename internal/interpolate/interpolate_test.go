package interpolate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestString(t *testing.T) {
	env := MapLookup(map[string]string{
		"VERSION": "1.4.2",
		"EMPTY":   "",
		"NAME":    "profile",
	})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no variables", "plain value", "plain value"},
		{"braced", "opertusmundi/clustering_outliers:${VERSION}", "opertusmundi/clustering_outliers:1.4.2"},
		{"bare", "$NAME-svc", "profile-svc"},
		{"escape", "cost: $$5", "cost: $5"},
		{"trailing dollar", "abc$", "abc$"},
		{"dollar before digit", "$1", "$1"},
		{"default when unset", "${MISSING:-fallback}", "fallback"},
		{"default when empty", "${EMPTY:-fallback}", "fallback"},
		{"dash default keeps empty", "${EMPTY-fallback}", ""},
		{"dash default when unset", "${MISSING-fallback}", "fallback"},
		{"alt when set", "${NAME:+yes}", "yes"},
		{"alt when empty", "${EMPTY:+yes}", ""},
		{"plus alt when empty but set", "${EMPTY+yes}", "yes"},
		{"nested default", "${MISSING:-${NAME}}", "profile"},
		{"unset plain", "x${MISSING}y", "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := New(env)
			got, err := i.String(tt.in, "test")
			require.NoError(t, err)
			require.NoError(t, i.Err())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestString_SyntaxErrors(t *testing.T) {
	for _, in := range []string{"${VERSION", "${}", "${1ABC}", "${VERSION:x}"} {
		t.Run(in, func(t *testing.T) {
			_, err := New(MapLookup(nil)).String(in, "services.profile.image")
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "services.profile.image", se.Path)
		})
	}
}

func TestRequiredVariables(t *testing.T) {
	env := MapLookup(map[string]string{"VERSION": "", "FLASK_ENV": "production"})
	i := New(env, "VERSION", "FLASK_ENV", "FLASK_DEBUG")

	_, err := i.String("${VERSION}", "services.profile.image")
	require.NoError(t, err)
	_, err = i.String("${FLASK_ENV}", "services.profile.environment[1]")
	require.NoError(t, err)
	_, err = i.String("${FLASK_DEBUG}", "services.profile.environment[2]")
	require.NoError(t, err)

	err = i.Err()
	var missing *MissingVariablesError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"FLASK_DEBUG", "VERSION"}, missing.Names())
	assert.Contains(t, err.Error(), "VERSION (at services.profile.image)")
}

func TestRequiredVariableWithDefaultIsSatisfied(t *testing.T) {
	i := New(MapLookup(nil), "FLASK_DEBUG")
	got, err := i.String("${FLASK_DEBUG:-0}", "p")
	require.NoError(t, err)
	require.NoError(t, i.Err())
	assert.Equal(t, "0", got)
}

func TestQuestionMarkModifiers(t *testing.T) {
	env := MapLookup(map[string]string{"EMPTY": ""})

	i := New(env)
	_, err := i.String("${EMPTY?must be set}", "a")
	require.NoError(t, err)
	require.NoError(t, i.Err(), "set-but-empty satisfies ?")

	i = New(env)
	_, err = i.String("${EMPTY:?must not be empty}", "a")
	require.NoError(t, err)
	require.Error(t, i.Err())
	assert.Contains(t, i.Err().Error(), "must not be empty")
}

func TestUntakenBranchIsNotEvaluated(t *testing.T) {
	env := MapLookup(map[string]string{"A": "set", "EMPTY": ""})
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"default skipped when set", "${A:-${B:?need B}}", "set"},
		{"dash default skipped when set", "${EMPTY-${B:?need B}}", ""},
		{"alternate skipped when empty", "${EMPTY:+$REQ}", ""},
		{"alternate skipped when unset", "${MISSING+${REQ}}", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := New(env, "REQ")
			got, err := i.String(tt.in, "p")
			require.NoError(t, err)
			require.NoError(t, i.Err())
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, i.Used(), "B")
			assert.NotContains(t, i.Used(), "REQ")
		})
	}
}

func TestTakenBranchIsEvaluated(t *testing.T) {
	i := New(MapLookup(nil))
	_, err := i.String("${A:-${B:?need B}}", "p")
	require.NoError(t, err)
	var missing *MissingVariablesError
	require.ErrorAs(t, i.Err(), &missing)
	assert.Equal(t, []string{"B"}, missing.Names())
	assert.Contains(t, missing.Error(), "need B")
}

func TestNode(t *testing.T) {
	doc := `
services:
  profile:
    image: opertusmundi/clustering_outliers:${VERSION}
    ports:
      - ${PORT:-5000}:5000
    environment:
      - FLASK_ENV=${FLASK_ENV}
      - LITERAL=$$HOME
`
	var root yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(doc), &root))

	i := New(MapLookup(map[string]string{"VERSION": "2.0.0", "FLASK_ENV": "production"}), "VERSION")
	require.NoError(t, i.Node(&root))

	var out struct {
		Services map[string]struct {
			Image       string   `yaml:"image"`
			Ports       []string `yaml:"ports"`
			Environment []string `yaml:"environment"`
		} `yaml:"services"`
	}
	require.NoError(t, root.Decode(&out))
	svc := out.Services["profile"]
	assert.Equal(t, "opertusmundi/clustering_outliers:2.0.0", svc.Image)
	assert.Equal(t, []string{"5000:5000"}, svc.Ports)
	assert.Equal(t, []string{"FLASK_ENV=production", "LITERAL=$HOME"}, svc.Environment)
	assert.Equal(t, []string{"FLASK_ENV", "PORT", "VERSION"}, i.Used())
}

func TestNode_CollectsAllMissing(t *testing.T) {
	doc := "image: app:${VERSION}\nenv:\n  - A=${FLASK_ENV}\n  - B=${FLASK_DEBUG}\n"
	var root yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(doc), &root))

	err := New(MapLookup(nil), "VERSION", "FLASK_ENV", "FLASK_DEBUG").Node(&root)
	var missing *MissingVariablesError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"FLASK_DEBUG", "FLASK_ENV", "VERSION"}, missing.Names())
	assert.Equal(t, "env[1]", missing.Missing[2].Path)
}

func TestUnset(t *testing.T) {
	i := New(MapLookup(nil))
	_, err := i.String("${CORS}${LOGGING_ROOT_LEVEL}", "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"CORS", "LOGGING_ROOT_LEVEL"}, i.Unset())
}

func TestChain(t *testing.T) {
	l := Chain(MapLookup(map[string]string{"A": "process"}), nil, MapLookup(map[string]string{"A": "file", "B": "file"}))
	v, ok := l("A")
	assert.True(t, ok)
	assert.Equal(t, "process", v)
	v, ok = l("B")
	assert.True(t, ok)
	assert.Equal(t, "file", v)
	_, ok = l("C")
	assert.False(t, ok)
}
