package toolrunner

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	commandSeparators = regexp.MustCompile(`[|;&\n]+`)
	envAssignment     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
	// The leading group rejects a third < so here-strings (<<<) never open a body.
	heredocStart = regexp.MustCompile(`(?:^|[^<])(<<-?\s*['"]?([A-Za-z_][A-Za-z0-9_]*)['"]?)`)
)

// SplitCommands splits a shell line on |, ;, & and newlines (which also
// covers && and ||) and drops empty pieces. Heredoc bodies are not commands
// and are skipped.
func SplitCommands(command string) []string {
	var out []string
	for _, part := range commandSeparators.Split(stripHeredocs(command), -1) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// BaseExecutable returns the program name of one sub-command, skipping
// leading VAR=value assignments and any directory prefix.
func BaseExecutable(sub string) string {
	for _, field := range strings.Fields(sub) {
		if envAssignment.MatchString(field) {
			continue
		}
		field = strings.Trim(field, `"'()`)
		if field == "" {
			continue
		}
		return filepath.Base(field)
	}
	return ""
}

// disallowedExecutables returns, in order and without duplicates, the base
// executables of command that allowed rejects.
func disallowedExecutables(command string, allowed func(string) bool) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, sub := range SplitCommands(command) {
		base := BaseExecutable(sub)
		if base == "" || seen[base] {
			continue
		}
		seen[base] = true
		if !allowed(base) {
			missing = append(missing, base)
		}
	}
	return missing
}

func stripHeredocs(command string) string {
	if !strings.Contains(command, "<<") {
		return command
	}
	lines := strings.Split(command, "\n")
	kept := make([]string, 0, len(lines))
	delim := ""
	for _, line := range lines {
		if delim != "" {
			if strings.TrimSpace(line) == delim {
				delim = ""
			}
			continue
		}
		if m := heredocStart.FindStringSubmatchIndex(line); m != nil {
			delim = line[m[4]:m[5]]
			line = line[:m[2]] + line[m[3]:]
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
