package graph

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammarFor maps fence language tags to tree-sitter grammars.
func grammarFor(lang string) *sitter.Language {
	switch lang {
	case "go", "golang":
		return golang.GetLanguage()
	case "js", "javascript", "jsx":
		return javascript.GetLanguage()
	case "ts", "typescript", "tsx":
		return typescript.GetLanguage()
	case "py", "python":
		return python.GetLanguage()
	default:
		return nil
	}
}

// declarationNodeTypes are the AST node types whose "name" field declares
// an identifier, across the supported grammars.
var declarationNodeTypes = map[string]struct{}{
	// go
	"function_declaration": {},
	"method_declaration":   {},
	"type_spec":            {},
	"const_spec":           {},
	"var_spec":             {},
	// javascript / typescript
	"class_declaration":      {},
	"interface_declaration":  {},
	"type_alias_declaration": {},
	"variable_declarator":    {},
	// python
	"function_definition": {},
	"class_definition":    {},
}

// parseDeclarations extracts declared identifiers from a fenced block using
// the grammar for its language tag. ok is false when no grammar applies or
// parsing fails, signalling the regex fallback.
func parseDeclarations(lang, source string) (names []string, ok bool) {
	grammar := grammarFor(lang)
	if grammar == nil {
		return nil, false
	}

	p := sitter.NewParser()
	p.SetLanguage(grammar)

	tree, err := p.ParseCtx(context.Background(), nil, []byte(source))
	if err != nil || tree == nil {
		return nil, false
	}
	defer tree.Close()

	src := []byte(source)
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if _, isDecl := declarationNodeTypes[n.Type()]; isDecl {
			if nameNode := n.ChildByFieldName("name"); nameNode != nil {
				names = append(names, nameNode.Content(src))
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(tree.RootNode())

	return names, true
}
