package export

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError reports invalid invocation parameters.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string { return e.Message }

// BuildError means the build command exited unsuccessfully.
type BuildError struct {
	Command []string
	Cause   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s failed: %v", strings.Join(e.Command, " "), e.Cause)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// ServerTimeoutError means the preview server did not answer with a 2xx in time.
type ServerTimeoutError struct {
	URL   string
	Limit time.Duration
}

func (e *ServerTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for preview server at %s", e.Limit, e.URL)
}

// ServerExitedError means the preview server process ended before it was ready.
type ServerExitedError struct {
	URL   string
	Cause error
}

func (e *ServerExitedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("preview server for %s exited before becoming ready: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("preview server for %s exited before becoming ready", e.URL)
}

func (e *ServerExitedError) Unwrap() error { return e.Cause }

// ContentTimeoutError means no printable page marker showed up in the loaded page.
type ContentTimeoutError struct {
	URL      string
	Selector string
	Limit    time.Duration
}

func (e *ContentTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %q print pages at %s", e.Limit, e.Selector, e.URL)
}

// AutomationError wraps any other browser failure: launch, navigation or printing.
type AutomationError struct {
	Op    string
	Cause error
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("browser %s failed: %v", e.Op, e.Cause)
}

func (e *AutomationError) Unwrap() error { return e.Cause }
