package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	id, err := Parse("myapp:api:main")
	require.NoError(t, err)
	assert.Equal(t, Identity{Project: "myapp", Stack: "api", Context: "main"}, id)
	assert.Equal(t, "myapp:api:main", id.String())

	id, err = Parse("myapp")
	require.NoError(t, err)
	assert.Equal(t, Identity{Project: "myapp"}, id)

	id, err = Parse("my-app.v2:web_ui")
	require.NoError(t, err)
	assert.Equal(t, "my-app.v2", id.Project)
	assert.Equal(t, "web_ui", id.Stack)
}

func TestParseRejects(t *testing.T) {
	for _, s := range []string{
		"",
		"a:b:c:d",
		"my app",
		"myapp:",
		":api",
		"myapp::main",
		"myapp:api!",
		strings.Repeat("x", MaxLength+1),
	} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalid, "input %q", s)
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("build-lock.v1"))
	assert.ErrorIs(t, ValidateName(""), ErrInvalid)
	assert.ErrorIs(t, ValidateName("a:b"), ErrInvalid)
	assert.ErrorIs(t, ValidateName("has space"), ErrInvalid)
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("myapp:*"))
	assert.NoError(t, ValidatePattern("*:api:*"))
	assert.NoError(t, ValidatePattern("myapp"))
	assert.ErrorIs(t, ValidatePattern("myapp:**"), ErrInvalid)
	assert.ErrorIs(t, ValidatePattern("a:b:c:*"), ErrInvalid)
	assert.ErrorIs(t, ValidatePattern(""), ErrInvalid)
}

func TestIsPattern(t *testing.T) {
	assert.True(t, IsPattern("myapp:*"))
	assert.True(t, IsPattern("*"))
	assert.False(t, IsPattern("myapp:api"))
}

func TestMatch(t *testing.T) {
	cases := []struct {
		id, pattern string
		want        bool
	}{
		{"myapp:api:main", "myapp:*:*", true},
		{"myapp:api:main", "myapp:api:*", true},
		{"myapp:api:main", "*:api:main", true},
		{"myapp:api:main", "myapp:web:*", false},
		// A trailing "*" also covers the omitted suffix.
		{"myapp", "myapp:*", true},
		{"myapp:api", "myapp:*:*", true},
		{"myapp:api:main", "myapp", false},
		{"other:api", "myapp:*", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.id, c.pattern), "%q vs %q", c.id, c.pattern)
	}
}

func TestMatchSQL(t *testing.T) {
	expr, args := MatchSQL("id", "myapp:*")
	assert.Equal(t, `(id LIKE ? ESCAPE '\' OR id = ?)`, expr)
	assert.Equal(t, []any{"myapp:%", "myapp"}, args)

	expr, args = MatchSQL("id", "*:api")
	assert.Equal(t, `id LIKE ? ESCAPE '\'`, expr)
	assert.Equal(t, []any{"%:api"}, args)

	// LIKE metacharacters in literal components match themselves.
	expr, args = MatchSQL("id", "my_app:*")
	assert.Equal(t, `(id LIKE ? ESCAPE '\' OR id = ?)`, expr)
	assert.Equal(t, []any{`my\_app:%`, "my_app"}, args)
}
