package upstream

import (
	"strings"

	"github.com/snowlift/snowlift/pkg/models"
)

// Error kinds produced by ClassifyError.
const (
	ErrKindMissingObject = "missing_object"
	ErrKindExecution     = "execution_error"
)

// missingPatterns are the message fragments that indicate a statement failed
// because a referenced object is absent rather than malformed.
var missingPatterns = []string{
	"does not exist or not authorized",
	"does not exist",
	"object does not exist",
	"table does not exist",
	"schema does not exist",
}

// objectTokens are scanned in order against the original-case message to
// locate the quoted object name.
var objectTokens = []string{"Object '", "object '", "Table '", "table '", `"`}

// ClassifyError maps a Snowflake error message to an error kind and, for
// missing-object errors, the offending object name when it can be extracted.
func ClassifyError(message string) (kind, objectName string) {
	lowered := strings.ToLower(message)
	missing := false
	for _, pattern := range missingPatterns {
		if strings.Contains(lowered, pattern) {
			missing = true
			break
		}
	}
	if !missing {
		return ErrKindExecution, ""
	}

	for _, token := range objectTokens {
		start := strings.Index(message, token)
		if start < 0 {
			continue
		}
		start += len(token)
		end := strings.Index(message[start:], "'")
		if end < 0 {
			continue
		}
		return ErrKindMissingObject, message[start : start+end]
	}
	return ErrKindMissingObject, ""
}

// ScriptError reports a failed statement along with everything that
// succeeded before it.
type ScriptError struct {
	Message        string
	Statement      string
	StatementIndex int
	PartialResults []models.StatementResult
}

func (e *ScriptError) Error() string {
	return e.Message
}
