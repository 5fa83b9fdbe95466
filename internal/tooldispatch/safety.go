package tooldispatch

import (
	"regexp"
	"strings"
)

// DeniedCommands is the default base-command blocklist, ported from the
// teacher's v2/tool/commandtool.DefaultDeniedCommands.
var DeniedCommands = map[string]bool{
	"rm": true, "rmdir": true, "sudo": true, "su": true, "chmod": true, "chown": true,
	"dd": true, "mkfs": true, "fdisk": true, "mount": true, "umount": true,
	"kill": true, "killall": true, "pkill": true, "reboot": true, "shutdown": true,
	"passwd": true, "useradd": true, "userdel": true, "groupadd": true,
	"halt": true, "poweroff": true, "crontab": true,
}

// DeniedPatterns is the default dangerous-pattern blocklist, ported from
// the teacher's v2/tool/commandtool.DefaultDeniedPatterns.
var DeniedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-rf|-fr|--recursive)`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`),
	regexp.MustCompile(`wget.*\|\s*sh`),
	regexp.MustCompile(`curl.*\|\s*sh`),
	regexp.MustCompile(`eval\s*\$`),
	regexp.MustCompile(`\$\(.*\)\s*>\s*/`),
	regexp.MustCompile(`>\s*/etc/`),
	regexp.MustCompile(`chmod\s+777`),
	regexp.MustCompile(`--no-preserve-root`),
	regexp.MustCompile(`crontab\s+-r`),
	regexp.MustCompile(`mkfs\.`),
}

// rejection is the structured payload returned on a blocked command,
// never forwarded to the backend.
type rejection struct {
	Reason string
}

// IsDangerous reports whether command is rejected by the safety filter
// before it ever reaches a backend, and why. Callers that would otherwise
// ask for permission first (the agent loop's run_terminal_command gate)
// must check this before the permission round-trip, not after: a command
// the filter will refuse outright must never prompt.
func IsDangerous(command string) (bool, string) {
	if r := validateCommand(command); r != nil {
		return true, r.Reason
	}
	return false, ""
}

// validateCommand applies the shell-command safety filter of §4.2: deny
// patterns first, then the base-command blocklist, recursively re-checked
// after stripping a leading "sudo", and per-segment for chained commands
// split on ";", "&&", "||", "|".
func validateCommand(command string) *rejection {
	command = strings.TrimSpace(command)
	if command == "" {
		return &rejection{Reason: "empty command"}
	}

	for _, segment := range splitChain(command) {
		if r := validateSegment(segment); r != nil {
			return r
		}
	}
	return nil
}

func validateSegment(segment string) *rejection {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return nil
	}

	for _, p := range DeniedPatterns {
		if p.MatchString(segment) {
			return &rejection{Reason: "matches denied pattern: " + p.String()}
		}
	}

	base := extractBaseCommand(segment)
	if DeniedCommands[base] {
		return &rejection{Reason: "command not allowed: " + base}
	}

	// Recursively re-check after stripping a leading "sudo" (the base
	// command itself may then be denied, e.g. "sudo rm -rf /").
	if base == "sudo" {
		stripped := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(segment), "sudo"))
		if stripped != "" {
			return validateSegment(stripped)
		}
	}
	return nil
}

var chainSplitter = regexp.MustCompile(`;|&&|\|\||\|`)

func splitChain(command string) []string {
	return chainSplitter.Split(command, -1)
}

// extractBaseCommand returns the first whitespace-delimited token of a
// command segment, ported from the teacher's extractBaseCommand.
func extractBaseCommand(segment string) string {
	fields := strings.Fields(strings.TrimSpace(segment))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
