// Package logger provides logging for task execution progress.
//
// The console logger writes leveled, timestamped lines describing the task
// lifecycle: state transitions, retries, terminal outcomes, and dead-letter
// notices. Implementations are thread-safe.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/webedt/autodev/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs execution progress to a writer with timestamps and
// thread safety. All output is prefixed with [HH:MM:SS] timestamps. Color
// output is enabled automatically for terminal output.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided
// io.Writer. If writer is nil, messages are silently discarded. Valid
// levels: trace, debug, info, warn, error (case-insensitive); empty or
// invalid levels default to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates
// it. Returns "info" for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// write emits one timestamped line. Caller-facing methods decide level and
// formatting.
func (cl *ConsoleLogger) write(level, message string) {
	if cl.writer == nil || !cl.shouldLog(level) {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(cl.writer, "[%s] %s\n", timestamp, message)
}

// Tracef logs a formatted message at trace level.
func (cl *ConsoleLogger) Tracef(format string, args ...interface{}) {
	cl.write("trace", fmt.Sprintf(format, args...))
}

// Debugf logs a formatted message at debug level.
func (cl *ConsoleLogger) Debugf(format string, args ...interface{}) {
	cl.write("debug", fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at info level.
func (cl *ConsoleLogger) Infof(format string, args ...interface{}) {
	cl.write("info", fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at warn level.
func (cl *ConsoleLogger) Warnf(format string, args ...interface{}) {
	cl.write("warn", cl.colorize(color.FgYellow, fmt.Sprintf(format, args...)))
}

// Errorf logs a formatted message at error level.
func (cl *ConsoleLogger) Errorf(format string, args ...interface{}) {
	cl.write("error", cl.colorize(color.FgRed, fmt.Sprintf(format, args...)))
}

// LogTaskStart logs the beginning of a task.
func (cl *ConsoleLogger) LogTaskStart(task models.Task) {
	cl.write("info", fmt.Sprintf("Task %s started: issue #%d %q on %s",
		task.ID, task.Issue.Number, task.Issue.Title, task.Repository()))
}

// LogStateStart logs entry into a state of the task machine.
func (cl *ConsoleLogger) LogStateStart(task models.Task, state string) {
	cl.write("debug", fmt.Sprintf("Task %s: %s", task.ID, state))
}

// LogRetry logs one retry of a state, with the delay before the next attempt.
func (cl *ConsoleLogger) LogRetry(task models.Task, state string, attempt int, delay time.Duration, err error) {
	cl.write("warn", cl.colorize(color.FgYellow,
		fmt.Sprintf("Task %s: %s failed (attempt %d), retrying in %s: %v",
			task.ID, state, attempt, delay.Round(time.Millisecond), err)))
}

// LogTaskComplete logs the terminal outcome of a task.
func (cl *ConsoleLogger) LogTaskComplete(report models.Report) {
	switch report.Outcome {
	case models.OutcomeSuccess:
		detail := "pushed without pull request"
		if report.PullRequest != nil {
			detail = fmt.Sprintf("PR #%d", report.PullRequest.Number)
			if report.Merged {
				detail += " merged"
			}
		}
		cl.write("info", cl.colorize(color.FgGreen,
			fmt.Sprintf("Task %s succeeded (%s) in %s", report.Task.ID, detail, report.Duration.Round(time.Second))))
	case models.OutcomeAlreadyImplemented:
		cl.write("info", cl.colorize(color.FgGreen,
			fmt.Sprintf("Task %s: already implemented, no change needed", report.Task.ID)))
	case models.OutcomeFailure:
		cl.write("error", cl.colorize(color.FgRed,
			fmt.Sprintf("Task %s failed: %v", report.Task.ID, report.Error)))
	}
}

// LogDeadLetter logs that an exhausted task was dead-lettered.
func (cl *ConsoleLogger) LogDeadLetter(task models.Task, entryID string) {
	cl.write("warn", cl.colorize(color.FgYellow,
		fmt.Sprintf("Task %s dead-lettered as %s for manual replay", task.ID, entryID)))
}

// colorize applies a color attribute when color output is enabled.
func (cl *ConsoleLogger) colorize(attr color.Attribute, s string) string {
	if !cl.colorOutput {
		return s
	}
	return color.New(attr).Sprint(s)
}
