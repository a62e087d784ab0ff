package dump

import "strings"

// SanitizeCommand renders a command line for logs and reports with
// credentials masked. Passwords and defaults files are fully hidden;
// user and host keep a short prefix so runs remain distinguishable.
func SanitizeCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, arg := range args {
		parts = append(parts, sanitizeArg(arg))
	}
	return strings.Join(parts, " ")
}

func sanitizeArg(arg string) string {
	switch {
	case strings.HasPrefix(arg, "--password="):
		return "--password=***"
	case strings.HasPrefix(arg, "--defaults-file="):
		return "--defaults-file=***"
	case strings.HasPrefix(arg, "--user="):
		return "--user=" + maskValue(strings.TrimPrefix(arg, "--user="), 2)
	case strings.HasPrefix(arg, "--host="):
		return "--host=" + maskValue(strings.TrimPrefix(arg, "--host="), 3)
	default:
		return arg
	}
}

func maskValue(v string, keep int) string {
	if len(v) <= keep {
		return "***"
	}
	return v[:keep] + "***"
}
