package logging

import "strings"

// MaxLogFieldLength bounds string fields such as command output.
const MaxLogFieldLength = 512

// Mask replaces secrets in logged text.
const Mask = "******"

// Truncate shortens s to MaxLogFieldLength bytes, marking the cut with "...".
func Truncate(s string) string {
	if len(s) <= MaxLogFieldLength {
		return s
	}
	return s[:MaxLogFieldLength] + "..."
}

// Redactor prepares remote command lines and their output for log fields.
// Secrets are masked before anything is cut, so a secret spanning the
// truncation point never leaks a prefix.
type Redactor struct {
	r *strings.Replacer
}

// NewRedactor masks every non-empty secret.
func NewRedactor(secrets ...string) Redactor {
	var pairs []string
	for _, s := range secrets {
		if s != "" {
			pairs = append(pairs, s, Mask)
		}
	}
	if len(pairs) == 0 {
		return Redactor{}
	}
	return Redactor{r: strings.NewReplacer(pairs...)}
}

func (r Redactor) mask(s string) string {
	if r.r == nil {
		return s
	}
	return r.r.Replace(s)
}

// Command returns a masked, bounded command line.
func (r Redactor) Command(cmd string) string {
	return Truncate(r.mask(cmd))
}

// Output returns masked, bounded output on a single line.
func (r Redactor) Output(out string) string {
	return strings.ReplaceAll(Truncate(r.mask(out)), "\n", `\n`)
}
