package toolrunner

import "regexp"

// Level is an audit risk level.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "low"
	}
}

// Blocking reports whether l stops execution.
func (l Level) Blocking() bool { return l >= LevelHigh }

type auditPattern struct {
	re      *regexp.Regexp
	message string
	level   Level
}

var dangerousPatterns = []auditPattern{
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r|-r\s+-f|-f\s+-r)\b`), "Recursive forced deletion (rm -rf) is prohibited.", LevelCritical},
	{regexp.MustCompile(`\brm\s+-r\b`), "Recursive deletion (rm -r) is prohibited.", LevelHigh},
	{regexp.MustCompile(`\bmkfs`), "Filesystem formatting command detected.", LevelCritical},
	{regexp.MustCompile(`\bdd\s+if=`), "Low-level disk write (dd) detected.", LevelHigh},
	{regexp.MustCompile(`>\s*/dev/(sd|nvme|hd|disk)`), "Attempt to write directly to a disk device.", LevelCritical},
	{regexp.MustCompile(`\bcurl\b.*\|\s*(ba|z)?sh\b`), "Piping remote content directly to a shell is highly risky.", LevelHigh},
	{regexp.MustCompile(`\bwget\b.*\|\s*(ba|z)?sh\b`), "Piping remote content directly to a shell is highly risky.", LevelHigh},
	{regexp.MustCompile(`:\(\)\s*\{.*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "Fork bomb pattern detected.", LevelCritical},
}

var secretPatterns = []auditPattern{
	{regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`), "Possible Google API key detected.", LevelHigh},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{48}`), "Possible OpenAI API key detected.", LevelHigh},
	{regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{32,}`), "Possible Anthropic API key detected.", LevelHigh},
	{regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`), "Possible GitHub personal access token detected.", LevelHigh},
	{regexp.MustCompile(`ey[a-zA-Z0-9\-_]+\.ey[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+`), "Possible JWT detected.", LevelMedium},
}

// Audit is the outcome of scanning a command or content.
type Audit struct {
	Level    Level
	Findings []string
}

// Blocked reports whether the audit stops execution.
func (a Audit) Blocked() bool { return a.Level.Blocking() }

func (a Audit) err() error {
	if !a.Blocked() {
		return nil
	}
	return &BlockError{Level: a.Level, Findings: a.Findings}
}

// AuditCommand checks a shell command for destructive patterns and secrets.
func AuditCommand(command string) Audit {
	var a Audit
	scan(&a, dangerousPatterns, command)
	scan(&a, secretPatterns, command)
	return a
}

// AuditContent checks file content for secrets.
func AuditContent(content string) Audit {
	var a Audit
	scan(&a, secretPatterns, content)
	return a
}

func scan(a *Audit, patterns []auditPattern, s string) {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			a.Findings = append(a.Findings, p.message)
			if p.level > a.Level {
				a.Level = p.level
			}
		}
	}
}

// Redact replaces every secret match with [REDACTED] and returns the count.
func Redact(s string) (string, int) {
	n := 0
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllStringFunc(s, func(string) string {
			n++
			return "[REDACTED]"
		})
	}
	return s, n
}
