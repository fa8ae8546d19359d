package term

import "regexp"

// ansiPattern matches CSI sequences, OSC sequences terminated by BEL, and
// private-mode sequences such as bracketed-paste toggles.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\].*?\x07|\x1b\[\??[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences so marker detection and
// captured output operate on plain text.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
