package engine

import "strings"

// repairRule maps an error-text fragment to the hint offered on retry.
// Matching is ordered; the first hit wins.
type repairRule struct {
	fragment   string
	suggestion string
}

// repairRules covers the shell and transport failures a retried step has a
// realistic chance of recovering from. Fragments are matched case-insensitively
// against the executor's error text.
var repairRules = []repairRule{
	{"no such file", "verify the path exists or create it before retrying"},
	{"not a directory", "point the command at a directory instead of a file"},
	{"permission denied", "retry with elevated privileges or fix the file permissions"},
	{"command not found", "install the missing command or call it by its full path"},
	{"timed out", "retry with a longer timeout or check that the target is responsive"},
	{"timeout", "retry with a longer timeout or check that the target is responsive"},
	{"connection refused", "confirm the target service is running and reachable"},
	{"connection reset", "retry once the network path has settled"},
	{"syntax error", "correct the command syntax before retrying"},
	{"no space left", "free disk space before retrying"},
}

// fatalFragments are allocator-level failures. No retry can help; the step
// fails the workflow immediately.
var fatalFragments = []string{
	"out of memory",
	"cannot allocate memory",
	"oom-killed",
}

// ClassifyFailure sorts an executor error message into the repairable or
// fatal step kind. Repairable failures carry a suggestion; everything the
// rules do not recognize is fatal.
func ClassifyFailure(msg string) (kind Kind, suggestion string) {
	lower := strings.ToLower(msg)

	for _, f := range fatalFragments {
		if strings.Contains(lower, f) {
			return KindStepFatal, ""
		}
	}
	for _, r := range repairRules {
		if strings.Contains(lower, r.fragment) {
			return KindStepRepairable, r.suggestion
		}
	}
	return KindStepFatal, ""
}

// Repairable reports whether the message matches a repair rule.
func Repairable(msg string) bool {
	kind, _ := ClassifyFailure(msg)
	return kind == KindStepRepairable
}
