package agent

import (
	"regexp"
	"strings"
)

var (
	planBlock  = regexp.MustCompile(`(?is)<plan>(.*?)</plan>`)
	planBullet = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+(?:\[[ xX]\]\s+)?`)
)

// Plan is a <plan> block embedded in a model response.
type Plan struct {
	Raw   string   `json:"raw"`
	Steps []string `json:"steps"`
}

// ParsePlan extracts the first <plan>...</plan> block. It returns nil when the
// response has none.
func ParsePlan(content string) *Plan {
	m := planBlock.FindStringSubmatch(content)
	if m == nil {
		return nil
	}
	raw := strings.TrimSpace(m[1])
	p := &Plan{Raw: raw}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(planBullet.ReplaceAllString(strings.TrimSpace(line), ""))
		if line != "" {
			p.Steps = append(p.Steps, line)
		}
	}
	return p
}
