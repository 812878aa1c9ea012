// Package validate performs pre-execution static checks on task payloads.
// Validation is conservative string screening, not parsing: it exists to
// reject obviously dangerous generated code before it reaches the isolated
// extraction environment, which remains the real security boundary.
package validate

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultDenylist is the set of substrings that disqualify a payload.
// Matching is literal and case-sensitive; the trailing parenthesis on call
// patterns keeps identifiers like "evaluate" from matching "eval(".
var DefaultDenylist = []string{
	"__import__",
	"eval(",
	"exec(",
	"compile(",
	"open(",
	"subprocess",
	"os.system",
	"socket.",
	"importlib",
	"getattr(",
	"globals(",
	"input(",
}

// DefaultEntryPoint is the declaration every payload must contain for the
// extraction environment to find its entrypoint.
const DefaultEntryPoint = "async def scrape_data"

// Issue describes one reason a payload was rejected.
type Issue struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

const (
	CodeEmptyPayload      = "empty_payload"
	CodeForbiddenPattern  = "forbidden_pattern"
	CodeMissingEntryPoint = "missing_entry_point"
)

// Result is a validation verdict. Invalid results carry every issue found,
// not just the first, so callers can surface the full list.
type Result struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// Validator screens task payloads against a denylist and an entrypoint
// requirement. It is deterministic: the same payload always yields the same
// verdict.
type Validator struct {
	denylist   []string
	entryPoint string
	logger     *zap.SugaredLogger
}

// New creates a validator. Empty denylist or entryPoint fall back to the
// defaults; passing an explicit non-default denylist replaces the default
// entirely.
func New(denylist []string, entryPoint string, logger *zap.SugaredLogger) *Validator {
	if len(denylist) == 0 {
		denylist = DefaultDenylist
	}
	if entryPoint == "" {
		entryPoint = DefaultEntryPoint
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Validator{denylist: denylist, entryPoint: entryPoint, logger: logger}
}

// Check validates a payload. Any panic during screening is converted into a
// rejection: an unvalidatable payload must never be treated as valid.
func (v *Validator) Check(payload string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Errorw("Validator panicked; rejecting payload", "panic", r)
			result = Result{Valid: false, Issues: []Issue{{
				Code:   CodeForbiddenPattern,
				Detail: fmt.Sprintf("validation aborted: %v", r),
			}}}
		}
	}()

	if strings.TrimSpace(payload) == "" {
		return Result{Valid: false, Issues: []Issue{{
			Code:   CodeEmptyPayload,
			Detail: "payload is empty",
		}}}
	}

	var issues []Issue
	for _, pattern := range v.denylist {
		if strings.Contains(payload, pattern) {
			issues = append(issues, Issue{
				Code:   CodeForbiddenPattern,
				Detail: fmt.Sprintf("payload contains forbidden pattern %q", pattern),
			})
		}
	}
	if !strings.Contains(payload, v.entryPoint) {
		issues = append(issues, Issue{
			Code:   CodeMissingEntryPoint,
			Detail: fmt.Sprintf("payload does not declare required entrypoint %q", v.entryPoint),
		})
	}

	if len(issues) > 0 {
		return Result{Valid: false, Issues: issues}
	}
	return Result{Valid: true}
}

// Summary flattens a failed result's issues into one human-readable string.
func (r Result) Summary() string {
	if r.Valid {
		return ""
	}
	details := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		details[i] = issue.Detail
	}
	return strings.Join(details, "; ")
}
