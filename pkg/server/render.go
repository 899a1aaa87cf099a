package server

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

var templateFuncs = template.FuncMap{
	"nodot": func(s string) string { return strings.TrimSuffix(s, ".") },
	"join":  strings.Join,
}

func mustTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(templateFuncs).Parse(text))
}

// render executes tmpl with cfg and writes the result to cfg.Dir/name.
func render(cfg *Config, name string, tmpl *template.Template) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}

	path := cfg.Path(name)
	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}

	return path, nil
}
