package tracker

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the classification outcome for one line of progress output.
// Classification priority is error > milestone > update (spec.md §4.E).
type Kind int

const (
	KindUpdate Kind = iota
	KindMilestone
	KindError
)

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// stripANSI removes terminal escape sequences before classification.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// splitLines splits chunk into non-empty, ANSI-stripped lines.
func splitLines(chunk string) []string {
	stripped := stripANSI(chunk)
	raw := strings.Split(stripped, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

var errorPattern = regexp.MustCompile(`(?i)\b(error|failed|exception|warning)\b|错误|失败|警告|异常`)

// milestoneRule is one member of the ordered classifier table. format
// receives the full regex submatch slice and renders the VSCode-style
// message spec.md §4.E describes.
type milestoneRule struct {
	name    string
	pattern *regexp.Regexp
	format  func(m []string) string
}

func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

// milestoneRules is compiled once at package init — plain data, not a
// state machine, per spec.md §9's preference for data-driven dispatch.
var milestoneRules = []milestoneRule{
	{
		name:    "tool_use",
		pattern: regexp.MustCompile(`(?i)^(?:using|called)\s+(\S+)\s+tool\b|tool\s+runs?:\s*(\S+)`),
		format: func(m []string) string {
			return fmt.Sprintf("🔧 **Tool**: **%s**", firstNonEmpty(m[1], m[2]))
		},
	},
	{
		name:    "grep",
		pattern: regexp.MustCompile(`(?i)^grep(?:ping)?\s+"?([^"\n]+?)"?(?:\s+in\s+(\S+))?$`),
		format: func(m []string) string {
			if m[2] != "" {
				return fmt.Sprintf("🔍 **Grep**: \"%s\" └ in %s", m[1], m[2])
			}
			return fmt.Sprintf("🔍 **Grep**: \"%s\"", m[1])
		},
	},
	{
		name:    "glob",
		pattern: regexp.MustCompile(`(?i)^glob(?:bing)?\s+(\S+)`),
		format: func(m []string) string {
			return fmt.Sprintf("🔍 **Glob**: %s", m[1])
		},
	},
	{
		name:    "read",
		pattern: regexp.MustCompile(`(?i)^reading\s+(\S+)`),
		format: func(m []string) string {
			return fmt.Sprintf("📖 **Read**: %s", m[1])
		},
	},
	{
		name:    "write",
		pattern: regexp.MustCompile(`(?i)^writing\s+to\s+(\S+)`),
		format: func(m []string) string {
			return fmt.Sprintf("✏️ **Edit**: %s", m[1])
		},
	},
	{
		name:    "edit",
		pattern: regexp.MustCompile(`(?i)^edit(?:ing)?\s+(\S+)`),
		format: func(m []string) string {
			return fmt.Sprintf("✏️ **Edit**: %s", m[1])
		},
	},
	{
		name:    "search",
		pattern: regexp.MustCompile(`(?i)^(?:searched|looking for)\b.*$|found\s+(\d+)\s+matches?`),
		format: func(m []string) string {
			return "🔍 **Search**: " + strings.TrimSpace(m[0])
		},
	},
	{
		name:    "execution",
		pattern: regexp.MustCompile(`(?i)^(?:executing|running):?\s*(.+)$|bash\s+command`),
		format: func(m []string) string {
			cmd := firstNonEmpty(m[1], strings.TrimSpace(m[0]))
			return fmt.Sprintf("⚙️ **Bash**: %s", cmd)
		},
	},
	{
		name:    "build",
		pattern: regexp.MustCompile(`(?i)\b(building|compiling)\b`),
		format: func(m []string) string {
			return "⚙️ **Build**: " + strings.TrimSpace(m[0])
		},
	},
	{
		name:    "test",
		pattern: regexp.MustCompile(`(?i)\brunning\s+tests?\b|\btest(?:ing)?\s+suite\b`),
		format: func(m []string) string {
			return "⚙️ **Test**: " + strings.TrimSpace(m[0])
		},
	},
	{
		name:    "install",
		pattern: regexp.MustCompile(`(?i)\binstalling\b|\bnpm install\b|\bgo mod\b`),
		format: func(m []string) string {
			return "⚙️ **Install**: " + strings.TrimSpace(m[0])
		},
	},
	{
		name:    "thinking",
		pattern: regexp.MustCompile(`(?i)\b(thinking|planning)\b`),
		format: func(m []string) string {
			return "💭 **Thinking**: " + strings.TrimSpace(m[0])
		},
	},
	{
		name:    "skill",
		pattern: regexp.MustCompile(`(?i)using\s+(\S+)\s+skill`),
		format: func(m []string) string {
			return fmt.Sprintf("⚡ **skill**: **%s** running...", m[1])
		},
	},
	{
		name:    "agent",
		pattern: regexp.MustCompile(`(?i)launching\s+(\S+)\s+agent`),
		format: func(m []string) string {
			return fmt.Sprintf("🤖 **agent**: **%s** working...", m[1])
		},
	},
	{
		name:    "step",
		pattern: regexp.MustCompile(`(?i)step\s+(\d+)/(\d+)|\[(\d+)/(\d+)\]|\((\d+)%\)`),
		format: func(m []string) string {
			return "📶 **Step**: " + strings.TrimSpace(m[0])
		},
	},
	{
		name:    "chinese_file_op",
		pattern: regexp.MustCompile(`正在\s*(读取|写入|搜索|查找)\s*(\S+)?`),
		format: func(m []string) string {
			switch m[1] {
			case "读取":
				return fmt.Sprintf("📖 **Read**: %s", m[2])
			case "写入":
				return fmt.Sprintf("✏️ **Edit**: %s", m[2])
			default:
				return fmt.Sprintf("🔍 **Search**: %s", m[2])
			}
		},
	},
	{
		name:    "chinese_lifecycle",
		pattern: regexp.MustCompile(`(开始|完成|调用|使用)\s*(\S+)?`),
		format: func(m []string) string {
			return fmt.Sprintf("🔧 **%s**: %s", m[1], m[2])
		},
	},
}

// classify tests line against the error pattern and then the ordered
// milestone table, in priority order, returning the first match.
func classify(line string) (Kind, string) {
	if errorPattern.MatchString(line) {
		return KindError, fmt.Sprintf("❌ **Error**: %s", strings.TrimSpace(line))
	}
	for _, rule := range milestoneRules {
		if m := rule.pattern.FindStringSubmatch(line); m != nil {
			return KindMilestone, rule.format(m)
		}
	}
	return KindUpdate, strings.TrimSpace(line)
}
