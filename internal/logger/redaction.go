package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks credentials before log lines reach a writer. Prompts and
// tool inputs end up in logs at debug level, and users paste keys into both.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Anthropic API and OAuth keys, then any other sk- key
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9]{2,8}-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Credentials passed through the environment
			regexp.MustCompile(`(ANTHROPIC_API_KEY|ANTHROPIC_AUTH_TOKEN|CLAUDE_CODE_OAUTH_TOKEN)(["\s:=]+)[^\s",]+`),

			// Bearer tokens and api key headers
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/-]+=*`),
			regexp.MustCompile(`(?i)x-api-key(["\s:=]+)[^\s",]+`),

			// GitHub tokens
			regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),

			// AWS keys
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

			// Passwords and generic secrets
			regexp.MustCompile(`(?i)(password|passwd|pwd)(["\s:=]+)[^\s",]+`),
			regexp.MustCompile(`(?i)secret(["\s:=]+)[^\s",]+`),
			regexp.MustCompile(`(?i)token(["\s:=]+)[a-zA-Z0-9._-]{20,}`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		if pattern.NumSubexp() >= 2 {
			// Keep the key name and separator, mask the value.
			result = pattern.ReplaceAllString(result, "${1}${2}"+redacted)
			continue
		}
		if pattern.NumSubexp() == 1 {
			result = pattern.ReplaceAllStringFunc(result, func(m string) string {
				loc := pattern.FindStringSubmatchIndex(m)
				return m[:loc[3]] + redacted
			})
			continue
		}
		result = pattern.ReplaceAllString(result, redacted)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not treat a shorter redacted
// line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
