package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redsand/rev-sub002/internal/types"
)

func TestResponseKeyDeterministic(t *testing.T) {
	msgs := []types.Message{{Role: "user", Content: "hello"}}
	tools := []types.ToolDefinition{{Name: "read_file"}}

	k1 := ResponseKey("openai", "gpt-4o", msgs, tools)
	k2 := ResponseKey("openai", "gpt-4o", msgs, tools)
	assert.Equal(t, k1, k2)

	k3 := ResponseKey("anthropic", "gpt-4o", msgs, tools)
	assert.NotEqual(t, k1, k3, "provider must shape the key")

	k4 := ResponseKey("openai", "gpt-4o", msgs, nil)
	assert.NotEqual(t, k1, k4, "tool schemas must shape the key")
}

func TestClearAllIdempotent(t *testing.T) {
	c := New()
	c.PutResponse("k", "v")
	c.SetDeps("a.go", []string{"b.go"})

	c.ClearAll()
	r, a, d := c.Sizes()
	assert.Zero(t, r)
	assert.Zero(t, a)
	assert.Zero(t, d)

	// Second flush is a no-op.
	c.ClearAll()
	r, a, d = c.Sizes()
	assert.Zero(t, r)
	assert.Zero(t, a)
	assert.Zero(t, d)

	_, ok := c.GetResponse("k")
	assert.False(t, ok)
}

func TestParseGoImports(t *testing.T) {
	c := New()
	src := []byte("package main\n\nimport (\n\t\"fmt\"\n\t\"os\"\n)\n\nfunc main() { fmt.Println(os.Args) }\n")

	ast, err := c.Parse(context.Background(), "main.go", src)
	require.NoError(t, err)
	require.NotNil(t, ast)
	assert.Equal(t, "go", ast.Language)
	assert.ElementsMatch(t, []string{"fmt", "os"}, ast.Imports)
	assert.False(t, ast.HasErrors)
}

func TestParseGoSyntaxError(t *testing.T) {
	c := New()
	src := []byte("package main\n\nfunc main() {\n")

	ast, err := c.Parse(context.Background(), "broken.go", src)
	require.NoError(t, err)
	require.NotNil(t, ast)
	assert.True(t, ast.HasErrors)
}

func TestParsePythonImports(t *testing.T) {
	c := New()
	src := []byte("import os\nfrom pathlib import Path\n\nprint(os.getcwd())\n")

	ast, err := c.Parse(context.Background(), "script.py", src)
	require.NoError(t, err)
	require.NotNil(t, ast)
	assert.Contains(t, ast.Imports, "os")
	assert.Contains(t, ast.Imports, "pathlib")
}

func TestParseUnsupportedLanguage(t *testing.T) {
	c := New()
	ast, err := c.Parse(context.Background(), "notes.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Nil(t, ast)
}

func TestParseUsesCache(t *testing.T) {
	c := New()
	src := []byte("package x\n")

	first, err := c.Parse(context.Background(), "x.go", src)
	require.NoError(t, err)
	second, err := c.Parse(context.Background(), "x.go", src)
	require.NoError(t, err)
	assert.Same(t, first, second, "second parse of identical content returns the cached value")
}
