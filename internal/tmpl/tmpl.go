/*
Package tmpl provides template processing for signing-option/argument
strings, the way the teacher's internal/tmpl expands "${artifact}"-style
command arguments and name templates before invoking an external signer.
*/
package tmpl

import (
	"bytes"
	"os"
	"runtime"
	"strings"
	"text/template"
	"time"
)

// Context provides template data and rendering for argument and publisher
// strings (application name, support URL, file paths, ...).
type Context struct {
	data map[string]interface{}
}

// New creates a template context seeded with Date, Os and Arch plus the
// given custom variables (which override those three on a name clash).
func New(variables map[string]interface{}) *Context {
	c := &Context{data: make(map[string]interface{})}
	now := time.Now()
	c.data["Date"] = now.Format(time.RFC3339)
	c.data["Os"] = runtime.GOOS
	c.data["Arch"] = runtime.GOARCH
	for k, v := range variables {
		c.data[k] = v
	}
	return c
}

// WithFile returns a derived context with a signed file's name/path bound,
// mirroring the teacher's WithArtifact pattern for per-artifact templating.
func (c *Context) WithFile(name, path string) *Context {
	next := &Context{data: make(map[string]interface{}, len(c.data)+2)}
	for k, v := range c.data {
		next.data[k] = v
	}
	next.data["FileName"] = name
	next.data["FilePath"] = path
	return next
}

// Apply expands ${...}/{{ ... }} placeholders in tmplStr. Both a cheap
// literal ${Key} substitution pass and a full text/template pass are
// supported: the former matches the teacher's sign.go argument-expansion
// style (${artifact}, ${signature}, ${certificate}), the latter matches
// its name-template style ({{ .ProjectName }}).
func (c *Context) Apply(tmplStr string) (string, error) {
	expanded := tmplStr
	for key, val := range c.data {
		if s, ok := val.(string); ok {
			expanded = strings.ReplaceAll(expanded, "${"+key+"}", s)
		}
	}

	if !strings.Contains(expanded, "{{") {
		return expanded, nil
	}

	t, err := template.New("").Funcs(c.funcs()).Parse(expanded)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, c.data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Set sets a value in the context.
func (c *Context) Set(key string, value interface{}) {
	c.data[key] = value
}

// Get returns a string value from the context, or "" if absent/non-string.
func (c *Context) Get(key string) string {
	if v, ok := c.data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *Context) funcs() template.FuncMap {
	return template.FuncMap{
		"tolower":    strings.ToLower,
		"toupper":    strings.ToUpper,
		"trim":       strings.TrimSpace,
		"trimprefix": strings.TrimPrefix,
		"trimsuffix": strings.TrimSuffix,
		"env":        os.Getenv,
		"expandenv":  os.ExpandEnv,
		"default": func(def, val interface{}) interface{} {
			if val == nil || val == "" {
				return def
			}
			return val
		},
	}
}
