package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// FileAST is the lightweight parse result kept in the AST cache: enough to
// answer the import-validity subcheck and dependency-edge extraction without
// holding the full tree.
type FileAST struct {
	Language  string   `json:"language"`
	Imports   []string `json:"imports"`
	HasErrors bool     `json:"has_errors"`
}

// languageFor maps a file extension to its tree-sitter grammar.
func languageFor(path string) (*sitter.Language, string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return golang.GetLanguage(), "go"
	case ".py":
		return python.GetLanguage(), "python"
	case ".js", ".mjs", ".jsx", ".ts", ".tsx":
		return javascript.GetLanguage(), "javascript"
	default:
		return nil, ""
	}
}

// ASTKey derives the cache key for a file's content. Content-addressed, so
// a changed file can never hit a stale entry.
func ASTKey(path string, content []byte) string {
	sum := sha256.Sum256(content)
	return path + "@" + hex.EncodeToString(sum[:8])
}

// Parse parses a source file and extracts its import references. Files in
// unsupported languages return (nil, nil): callers treat that as "no
// syntactic opinion".
func (c *Caches) Parse(ctx context.Context, path string, content []byte) (*FileAST, error) {
	lang, name := languageFor(path)
	if lang == nil {
		return nil, nil
	}

	key := ASTKey(path, content)
	if cached, ok := c.GetAST(key); ok {
		return cached, nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	ast := &FileAST{
		Language:  name,
		Imports:   collectImports(root, content, name),
		HasErrors: root.HasError(),
	}
	c.PutAST(key, ast)
	return ast, nil
}

// collectImports walks the tree gathering import references per language.
func collectImports(root *sitter.Node, src []byte, lang string) []string {
	var imports []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		switch lang {
		case "go":
			if n.Type() == "import_spec" {
				if path := n.ChildByFieldName("path"); path != nil {
					imports = append(imports, strings.Trim(path.Content(src), `"`))
				}
			}
		case "python":
			if n.Type() == "import_statement" || n.Type() == "import_from_statement" {
				for i := 0; i < int(n.NamedChildCount()); i++ {
					child := n.NamedChild(i)
					if child.Type() == "dotted_name" || child.Type() == "aliased_import" {
						imports = append(imports, child.Content(src))
					}
				}
				// from X import ... keeps only the module once.
				if mod := n.ChildByFieldName("module_name"); mod != nil {
					imports = append(imports, mod.Content(src))
				}
			}
		case "javascript":
			if n.Type() == "import_statement" {
				if srcNode := n.ChildByFieldName("source"); srcNode != nil {
					imports = append(imports, strings.Trim(srcNode.Content(src), `'"`))
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return dedupe(imports)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
