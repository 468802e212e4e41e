package bootstrap

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// Params are the values a bootstrap template can reference as
// {{.AdminPassword}}, {{.ReadonlyPassword}}, {{.CIDR}} and {{.PublicIP}}.
type Params struct {
	AdminPassword    string
	ReadonlyPassword string
	CIDR             string
	PublicIP         string
}

func (p Params) positional() []string {
	return []string{p.AdminPassword, p.ReadonlyPassword, p.CIDR, p.PublicIP}
}

// Render substitutes params into text.
//
// Templates using Go template syntax are executed with missing keys as
// errors. Older templates written with positional placeholders {0} to {3}
// (in Params field order) are formatted instead, where "{{" and "}}" stand
// for literal braces and a placeholder directly after "$" is left alone so
// shell expansions such as ${1} survive.
func Render(text string, params Params) (string, error) {
	if isPositional(text) {
		return formatPositional(text, params.positional())
	}

	tmpl, err := template.New("bootstrap").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse bootstrap template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("failed to execute bootstrap template: %w", err)
	}
	return buf.String(), nil
}

// Check renders text with placeholder values, catching template errors
// before any resource exists.
func Check(text string) error {
	_, err := Render(text, Params{
		AdminPassword:    "admin",
		ReadonlyPassword: "readonly",
		CIDR:             "10.0.0.0/16",
		PublicIP:         "192.0.2.1",
	})
	return err
}

func isPositional(text string) bool {
	if strings.Contains(text, "{{.") || strings.Contains(text, "{{ .") {
		return false
	}
	for i := 0; i < len(text); i++ {
		if _, _, ok := placeholderAt(text, i); ok {
			return true
		}
	}
	return false
}

// placeholderAt reports whether a positional placeholder starts at i. The
// index is -1 when the digits do not fit an int.
func placeholderAt(text string, i int) (index, width int, ok bool) {
	if text[i] != '{' || (i > 0 && text[i-1] == '$') {
		return 0, 0, false
	}
	j := i + 1
	for j < len(text) && text[j] >= '0' && text[j] <= '9' {
		j++
	}
	if j == i+1 || j >= len(text) || text[j] != '}' {
		return 0, 0, false
	}
	n, err := strconv.Atoi(text[i+1 : j])
	if err != nil {
		n = -1
	}
	return n, j - i + 1, true
}

func formatPositional(text string, args []string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		switch {
		case strings.HasPrefix(text[i:], "{{"):
			b.WriteByte('{')
			i += 2
			continue
		case strings.HasPrefix(text[i:], "}}"):
			b.WriteByte('}')
			i += 2
			continue
		}
		if n, width, ok := placeholderAt(text, i); ok {
			if n < 0 || n >= len(args) {
				return "", fmt.Errorf("bootstrap template references %s, only {0} to {%d} exist", text[i:i+width], len(args)-1)
			}
			b.WriteString(args[n])
			i += width
			continue
		}
		b.WriteByte(text[i])
		i++
	}
	return b.String(), nil
}

// Split breaks a rendered script into commands, one per line, dropping blank
// lines and lines whose first non-space character is '#'.
func Split(script string) []string {
	var commands []string
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		commands = append(commands, line)
	}
	return commands
}
