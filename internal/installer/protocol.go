package installer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

var (
	fold       = cases.Fold()
	digitRun   = regexp.MustCompile(`\d+`)
	rejections = []string{
		"permission denied",
		"no such file",
		"not found",
		"can't open",
		"operation not permitted",
	}
)

func createCommand(installerID string, userID int, total int64) string {
	return fmt.Sprintf("pm install-create -i %s --user %d -r -S %d", installerID, userID, total)
}

func pathWriteCommand(f File, sessionID int) string {
	return fmt.Sprintf("cat \"%s\" | pm install-write -S %d %d \"%s\"", f.Path, f.Size, sessionID, f.Name)
}

func streamWriteCommand(f File, sessionID int) string {
	return fmt.Sprintf("pm install-write -S %d %d \"%s\" -", f.Size, sessionID, f.Name)
}

func commitCommand(sessionID int) string {
	return fmt.Sprintf("pm install-commit %d", sessionID)
}

func hasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(fold.String(s), fold.String(prefix))
}

// ParseSessionID extracts the session id from an install-create response.
// The response must begin with "Success"; the id is the first run of digits.
func ParseSessionID(response string) (int, error) {
	if !hasPrefixFold(response, "success") {
		return 0, ferrors.ProtocolError(response).WithContext("stage", "create").Build()
	}
	run := digitRun.FindString(response)
	if run == "" {
		return 0, ferrors.ProtocolError("install session id missing from response").
			WithContext("response", response).Build()
	}
	id, err := strconv.Atoi(run)
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryProtocol, "install session id out of range").
			WithContext("response", response).Build()
	}
	return id, nil
}

// WriteSucceeded reports whether an install-write response signals success.
func WriteSucceeded(response string) bool {
	if strings.TrimSpace(response) == "" {
		return false
	}
	return !hasPrefixFold(response, "failure") && !hasPrefixFold(response, "error")
}

// CommitSucceeded reports whether an install-commit response signals success.
func CommitSucceeded(response string) bool {
	return strings.Contains(fold.String(response), "success")
}

// IsRejection reports whether text describes a permission or path rejection.
func IsRejection(text string) bool {
	folded := fold.String(text)
	for _, r := range rejections {
		if strings.Contains(folded, r) {
			return true
		}
	}
	return false
}

// classifyFailure turns failure text into a write rejection or a protocol failure.
func classifyFailure(text, stage string) error {
	if text == "" {
		text = "blank response"
	}
	if IsRejection(text) {
		return ferrors.WriteRejected(text).WithContext("stage", stage).Build()
	}
	return ferrors.ProtocolError(text).WithContext("stage", stage).Build()
}
