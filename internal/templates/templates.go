// internal/templates/templates.go
package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Template is one starter project: its files plus the commands the sandbox
// needs to bootstrap, run and analyze it.
type Template struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Frameworks       []string `json:"frameworks,omitempty"`
	BootstrapCommand string   `json:"bootstrapCommand"`
	StartCommand     string   `json:"startCommand"`
	LintCommand      string   `json:"lintCommand,omitempty"`
	TypecheckCommand string   `json:"typecheckCommand,omitempty"`
	DontTouchFiles   []string `json:"dontTouchFiles,omitempty"`
	RedactedFiles    []string `json:"redactedFiles,omitempty"`

	// Files maps logical path to contents. Populated from the catalog
	// directory, excluding template.json itself.
	Files map[string]string `json:"-"`
}

// Catalog resolves template names to templates. Templates live as
// subdirectories of the catalog dir, each carrying a template.json manifest;
// a minimal built-in template backs the catalog when the directory is absent.
type Catalog struct {
	dir         string
	defaultName string
	logger      *zap.Logger
}

// NewCatalog creates a catalog rooted at dir. An empty dir serves only the
// built-in template.
func NewCatalog(dir, defaultName string, logger *zap.Logger) *Catalog {
	if defaultName == "" {
		defaultName = builtinTemplateName
	}
	return &Catalog{dir: dir, defaultName: defaultName, logger: logger.Named("templates")}
}

// DefaultName returns the configured default template name.
func (c *Catalog) DefaultName() string { return c.defaultName }

// Resolve loads the named template, falling back to the default and finally
// to the built-in minimal template.
func (c *Catalog) Resolve(name string) (*Template, error) {
	if name == "" {
		name = c.defaultName
	}
	if c.dir != "" {
		tpl, err := c.load(name)
		if err == nil {
			return tpl, nil
		}
		c.logger.Warn("Template not found in catalog, falling back",
			zap.String("template", name), zap.Error(err))
		if name != c.defaultName {
			if tpl, err := c.load(c.defaultName); err == nil {
				return tpl, nil
			}
		}
	}
	if name == builtinTemplateName || c.dir == "" {
		return builtinTemplate(), nil
	}
	return builtinTemplate(), nil
}

func (c *Catalog) load(name string) (*Template, error) {
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("invalid template name %q", name)
	}
	root := filepath.Join(c.dir, name)
	manifest, err := os.ReadFile(filepath.Join(root, "template.json"))
	if err != nil {
		return nil, fmt.Errorf("template %q has no manifest: %w", name, err)
	}
	var tpl Template
	if err := json.Unmarshal(manifest, &tpl); err != nil {
		return nil, fmt.Errorf("template %q manifest is invalid: %w", name, err)
	}
	tpl.Name = name
	tpl.Files = make(map[string]string)

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "template.json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tpl.Files[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read template %q files: %w", name, err)
	}
	return &tpl, nil
}

const builtinTemplateName = "react-vite"

// builtinTemplate is the embedded minimal starter used when no catalog
// directory is configured.
func builtinTemplate() *Template {
	return &Template{
		Name:             builtinTemplateName,
		Description:      "Minimal React + Vite starter",
		Frameworks:       []string{"react", "vite", "tailwindcss"},
		BootstrapCommand: "bun install",
		StartCommand:     "bun run dev",
		LintCommand:      "bun run lint --format json",
		TypecheckCommand: "bunx tsc --noEmit --pretty false",
		DontTouchFiles:   []string{"wrangler.jsonc", ".bootstrap.js"},
		RedactedFiles:    []string{".env"},
		Files: map[string]string{
			"package.json": `{
  "name": "vibesdk-starter",
  "private": true,
  "type": "module",
  "scripts": {
    "dev": "vite --host",
    "build": "vite build",
    "lint": "eslint src"
  },
  "dependencies": {
    "react": "^18.3.1",
    "react-dom": "^18.3.1"
  },
  "devDependencies": {
    "@vitejs/plugin-react": "^4.3.0",
    "typescript": "^5.5.0",
    "vite": "^5.4.0"
  }
}
`,
			"index.html": `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>vibesdk starter</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.tsx"></script>
  </body>
</html>
`,
			"src/main.tsx": `import React from 'react';
import ReactDOM from 'react-dom/client';
import App from './App';

ReactDOM.createRoot(document.getElementById('root')!).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>,
);
`,
			"src/App.tsx": `export default function App() {
  return <main>Hello from the starter template.</main>;
}
`,
			"wrangler.jsonc": `{
  // Deployment configuration. The project name is rewritten at initialize time.
  "name": "vibesdk-starter",
  "compatibility_date": "2025-06-01"
}
`,
			".bootstrap.js": `// Runs once after deploy to prepare the instance.
console.log('bootstrap complete');
`,
			".gitignore": "node_modules\ndist\n.env\n",
		},
	}
}
