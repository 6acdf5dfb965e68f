package hostprobe

import "strings"

// JoinArgs renders argv as a full command line and the arguments after argv[0].
// Arguments containing whitespace are double-quoted.
func JoinArgs(argv []string) (cmdline, args string) {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		quoted[i] = a
	}
	cmdline = strings.Join(quoted, " ")
	if len(quoted) > 1 {
		args = strings.Join(quoted[1:], " ")
	}
	return cmdline, args
}
