package config

import (
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
)

// varRef matches ${NAME}. Bare $NAME is left alone so passwords containing
// a dollar sign survive.
var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// localVars resolve from the working directory or the local account.
// Any other name is read from the environment.
var localVars = map[string]func() string{
	"PROJECT": projectName,
	"BRANCH":  branchName,
	"USER":    userName,
	"HOME":    homeDir,
}

// Expand replaces ${NAME} references in s.
//
//   - ${PROJECT}: name of the enclosing git checkout, else the directory name
//   - ${BRANCH}:  current git branch with path separators replaced
//   - ${USER}, ${HOME}: the local account
//   - anything else: the environment variable of that name, empty if unset
//
// Values are computed only when referenced.
func Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return varRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if resolve, ok := localVars[name]; ok {
			return resolve()
		}
		return os.Getenv(name)
	})
}

// ExpandTilde replaces a leading ~ or ~/ with the local home directory.
// ~user is not supported.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// expandMonitor resolves variables in the fields of m that may carry them.
// Key and known_hosts paths are local, so they also get tilde expansion.
func expandMonitor(m Monitor) Monitor {
	m.Host = Expand(m.Host)
	m.User = Expand(m.User)
	m.Password = Expand(m.Password)
	m.OutputDir = Expand(m.OutputDir)
	m.KnownHosts = ExpandTilde(Expand(m.KnownHosts))
	if len(m.Keys) > 0 {
		keys := make([]string, len(m.Keys))
		for i, k := range m.Keys {
			keys[i] = ExpandTilde(Expand(k))
		}
		m.Keys = keys
	}
	return m
}

func projectName() string {
	if top := gitOutput("rev-parse", "--show-toplevel"); top != "" {
		return filepath.Base(top)
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Base(cwd)
	}
	return "project"
}

// branchName falls back to HEAD outside a checkout or on a detached head.
func branchName() string {
	branch := gitOutput("rev-parse", "--abbrev-ref", "HEAD")
	if branch == "" {
		return "HEAD"
	}
	return pathSafe(branch)
}

func userName() string {
	for _, env := range []string{"USER", "LOGNAME", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "user"
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "~"
}

func gitOutput(args ...string) string {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

var unsafePathChars = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "-", "?", "-",
	"\"", "-", "<", "-", ">", "-", "|", "-",
)

// pathSafe replaces characters that are not allowed in file names.
func pathSafe(s string) string {
	return unsafePathChars.Replace(s)
}
