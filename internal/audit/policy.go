package audit

import (
	"os"
	"path/filepath"
	"strings"
)

// dangerousPatterns is the closed list of shell-command substrings the
// pre-tool-use policy blocks on. Matching is plain substring, not regex:
// the goal is a cheap, predictable tripwire, not a shell parser.
var dangerousPatterns = []string{
	// Destructive filesystem operations.
	"rm -rf /",
	"rm -rf ~",
	"rm -rf *",
	"rm -fr /",
	"rm --no-preserve-root",
	"mkfs",
	"shred ",

	// Raw device writes.
	"dd if=",
	"of=/dev/sd",
	"of=/dev/nvme",
	"> /dev/sd",

	// Fork bombs.
	":(){ :|:& };:",
	":(){:|:&};:",

	// Pipe-to-shell.
	"curl | sh",
	"curl | bash",
	"wget | sh",
	"wget | bash",
	"| sh -",
	"| bash -",

	// Obfuscated execution.
	"base64 -d | sh",
	"base64 -d | bash",
	"base64 --decode | sh",
	"eval $(",
	"eval \"$(",

	// Reverse-shell shapes.
	"nc -e /bin/",
	"nc -e sh",
	"bash -i >& /dev/tcp",
	"sh -i >& /dev/tcp",
	"/dev/tcp/",
}

// protectedPrefixes are the system path prefixes no file-write tool may
// touch. The check runs on the resolved path so a symlink through /tmp
// does not bypass it.
var protectedPrefixes = []string{
	"/etc/",
	"/usr/",
	"/bin/",
	"/sbin/",
	"/boot/",
	"/dev/",
	"/proc/",
	"/sys/",
	"/var/log/",
	"/root/",
}

// commandKeys are the tool-input fields treated as shell commands.
var commandKeys = []string{"command", "cmd", "script"}

// pathKeys are the tool-input fields treated as write targets.
var pathKeys = []string{"file_path", "path", "filename", "notebook_path"}

// CheckToolUse decides whether a tool invocation must be blocked before
// execution. It returns the block reason and the pattern or prefix that
// matched.
func CheckToolUse(toolName string, input map[string]any) (blocked bool, reason, matched string) {
	for _, key := range commandKeys {
		command, ok := input[key].(string)
		if !ok || command == "" {
			continue
		}
		if pattern, hit := matchDangerous(command); hit {
			return true, "Dangerous command blocked: " + pattern, pattern
		}
	}

	if isFileWriteTool(toolName) {
		for _, key := range pathKeys {
			target, ok := input[key].(string)
			if !ok || target == "" {
				continue
			}
			if prefix, hit := matchProtected(target); hit {
				return true, "Cannot modify protected path: " + prefix, prefix
			}
		}
	}

	return false, "", ""
}

func matchDangerous(command string) (string, bool) {
	lowered := strings.ToLower(command)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lowered, pattern) {
			return pattern, true
		}
	}
	return "", false
}

func matchProtected(target string) (string, bool) {
	resolved := resolvePath(target)
	for _, prefix := range protectedPrefixes {
		if strings.HasPrefix(resolved, prefix) || resolved+"/" == prefix {
			return prefix, true
		}
	}
	return "", false
}

// isFileWriteTool reports whether the tool name indicates a mutating
// file operation. Read-only tools may see protected paths freely.
func isFileWriteTool(toolName string) bool {
	lowered := strings.ToLower(toolName)
	for _, marker := range []string{"write", "edit", "create", "append", "save"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// resolvePath makes target absolute and follows symlinks. When the file
// does not exist yet, the deepest existing ancestor is resolved and the
// remainder re-joined, so a write through a symlinked directory is still
// attributed to its real location.
func resolvePath(target string) string {
	abs, err := filepath.Abs(target)
	if err != nil {
		return target
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}

	dir, rest := abs, ""
	for dir != "/" && dir != "." {
		parent := filepath.Dir(dir)
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
		if _, err := os.Lstat(dir); err == nil {
			if resolved, err := filepath.EvalSymlinks(dir); err == nil {
				return filepath.Join(resolved, rest)
			}
			break
		}
	}
	return abs
}
