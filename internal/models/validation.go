package models

// Issue is a single validation or compilation finding, located by a
// JSON-pointer path into the submitted spec.
type Issue struct {
	Severity Severity `json:"severity"`
	Path     string   `json:"path"` // JSON pointer, e.g. /actions/0/verb
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// ValidationResult is the compiler's public contract: schema issues,
// compile issues, and on success the IR plus its canonical hash.
type ValidationResult struct {
	OK            bool      `json:"ok"`
	SchemaIssues  []Issue   `json:"schemaIssues,omitempty"`
	CompileIssues []Issue   `json:"compileIssues,omitempty"`
	Hash          string    `json:"hash,omitempty"`
	IR            *PolicyIR `json:"ir,omitempty"`
}

// HasBlocker reports whether any issue is a compile blocker.
func (r ValidationResult) HasBlocker() bool {
	for _, iss := range r.SchemaIssues {
		if iss.Severity == SeverityBlocker {
			return true
		}
	}
	for _, iss := range r.CompileIssues {
		if iss.Severity == SeverityBlocker {
			return true
		}
	}
	return false
}
