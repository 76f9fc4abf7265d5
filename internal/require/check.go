package require

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// Check probes tools on the host behind sess in a single remote command.
// Results come back in the order of tools. Names that fail
// ValidateToolName are reported with Err set and never sent.
//
// The returned error means the probe itself failed; no results are
// cached in that case.
func Check(ctx context.Context, sess sshutil.Session, tools []string, cache *Cache) ([]CheckResult, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	if cache == nil {
		cache = NewCache()
	}
	host := sess.GetHost()

	results := make([]CheckResult, len(tools))
	var probe []string
	for i, name := range tools {
		results[i].Name = name
		switch {
		case !ValidateToolName(name):
			results[i].Err = fmt.Errorf("refusing to check unsafe tool name %q", name)
		case cache.has(host, name):
			results[i].Satisfied = cache.satisfied(host, name)
		default:
			probe = append(probe, name)
		}
	}
	if len(probe) == 0 {
		return results, nil
	}

	res, err := sess.Exec(ctx, "sh", []string{"-c", probeScript(probe)}, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, errors.New(errors.ErrExec,
			fmt.Sprintf("Tool check on %s exited with code %d: %s", host, res.ExitStatus, strings.TrimSpace(res.Stderr)),
			"Make sure the login shell on the host is POSIX sh compatible.")
	}

	missing := make(map[string]bool)
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			missing[line] = true
		}
	}
	for _, name := range probe {
		cache.set(host, name, !missing[name])
	}
	for i := range results {
		if results[i].Err == nil {
			results[i].Satisfied = cache.satisfied(host, results[i].Name)
		}
	}
	return results, nil
}

// probeScript prints the name of every tool that is not on PATH.
func probeScript(tools []string) string {
	return "for t in " + strings.Join(tools, " ") +
		`; do command -v "$t" >/dev/null 2>&1 || echo "$t"; done`
}

// Cache remembers results per host so repeated checks in one process skip
// the round trip. Safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	found map[string]bool
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{found: make(map[string]bool)}
}

func cacheKey(host, tool string) string { return host + "\x00" + tool }

func (c *Cache) has(host, tool string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.found[cacheKey(host, tool)]
	return ok
}

func (c *Cache) satisfied(host, tool string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.found[cacheKey(host, tool)]
}

func (c *Cache) set(host, tool string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.found[cacheKey(host, tool)] = ok
}
