package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// FormatForCLI formats an error for CLI output.
// Uses a concise format suitable for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	var be *BivyError
	if !errors.As(err, &be) {
		be = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", err.Error()))
	if be.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", be.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", be.Code))

	return sb.String()
}

// LogAttrs returns slog attributes describing err.
// Every BivyError in a joined error contributes its code.
func LogAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}

	attrs := []slog.Attr{slog.String("error", err.Error())}

	var codes []string
	walk(err, func(be *BivyError) bool {
		codes = append(codes, be.Code)
		return true
	})
	if len(codes) > 0 {
		attrs = append(attrs,
			slog.String("error_code", strings.Join(codes, ",")),
			slog.Bool("retryable", IsRetryable(err)))
	}

	return attrs
}
