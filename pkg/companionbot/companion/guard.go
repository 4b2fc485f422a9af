// Package companion – guard.go enforces the security policy for
// side-effectful tools: filesystem access confined to allowlisted roots
// with symlink and TOCTOU defenses, a command allowlist with
// metacharacter rejection, and an SSRF guard for web fetches.
package companion

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// PathGuard validates filesystem paths for the file tools.
type PathGuard struct {
	roots []string // absolute allowlisted roots
}

// dangerousFilePatterns block writes to files that alter shell or ssh
// behavior or hold secrets, regardless of location inside a root.
var dangerousFilePatterns = []string{
	".bashrc", ".bash_profile", ".zshrc", ".profile",
	".ssh/", "authorized_keys", "known_hosts",
	".env", ".netrc",
	".git/hooks/", ".gitconfig",
	"crontab",
}

// NewPathGuard creates a guard allowing access under the given roots.
// Roots are resolved to absolute, symlink-free paths at construction.
func NewPathGuard(roots ...string) (*PathGuard, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("path guard needs at least one root")
	}
	resolved := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", r, err)
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		resolved = append(resolved, abs)
	}
	return &PathGuard{roots: resolved}, nil
}

// Resolve validates a path for reading or writing and returns its
// absolute form. forWrite additionally validates the parent chain when
// the target does not exist yet.
func (g *PathGuard) Resolve(path string, forWrite bool) (string, error) {
	if path == "" {
		return "", Errorf(ErrInvalidInput, "empty path")
	}
	// Relative paths are rooted at the primary allowed root, not the
	// process working directory.
	abs := path
	if !filepath.IsAbs(path) {
		abs = filepath.Join(g.roots[0], path)
	}
	abs, err := filepath.Abs(abs)
	if err != nil {
		return "", Errorf(ErrInvalidInput, "bad path %q: %v", path, err)
	}

	// Resolve symlinks on the longest existing prefix so ../ escapes and
	// symlinked parents cannot smuggle the target outside a root.
	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", Errorf(ErrAccessDenied, "cannot resolve %q: %v", path, err)
	}

	if !g.inRoot(resolved) {
		return "", Errorf(ErrAccessDenied, "path %q is outside the allowed roots", path)
	}
	if blocked := matchDangerous(resolved); blocked != "" {
		return "", Errorf(ErrAccessDenied, "path %q matches blocked pattern %q", path, blocked)
	}

	if forWrite {
		if err := g.validateParents(resolved); err != nil {
			return "", err
		}
	} else {
		// Reject symlinked leaves on read; OpenNoFollow re-checks.
		if fi, err := os.Lstat(resolved); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return "", Errorf(ErrAccessDenied, "path %q is a symlink", path)
		}
	}
	return resolved, nil
}

// OpenNoFollow opens a validated path with O_NOFOLLOW and verifies the
// open descriptor still names the same inode and device as a fresh stat,
// defeating swap-after-check races.
func (g *PathGuard) OpenNoFollow(resolved string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(resolved, flag|syscall.O_NOFOLLOW, perm)
	if err != nil {
		return nil, err
	}

	fdStat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	pathStat, err := os.Lstat(resolved)
	if err != nil {
		f.Close()
		return nil, err
	}
	fdSys, ok1 := fdStat.Sys().(*syscall.Stat_t)
	pathSys, ok2 := pathStat.Sys().(*syscall.Stat_t)
	if ok1 && ok2 && (fdSys.Ino != pathSys.Ino || fdSys.Dev != pathSys.Dev) {
		f.Close()
		return nil, Errorf(ErrAccessDenied, "path %q changed during open", resolved)
	}
	return f, nil
}

// resolveExisting resolves symlinks over the longest existing prefix of
// abs and rejoins the non-existent suffix.
func resolveExisting(abs string) (string, error) {
	prefix := abs
	var suffix []string
	for {
		if _, err := os.Lstat(prefix); err == nil {
			break
		}
		parent := filepath.Dir(prefix)
		if parent == prefix {
			break
		}
		suffix = append([]string{filepath.Base(prefix)}, suffix...)
		prefix = parent
	}
	real, err := filepath.EvalSymlinks(prefix)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{real}, suffix...)...), nil
}

func (g *PathGuard) inRoot(abs string) bool {
	for _, root := range g.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// validateParents walks up from the target's parent and requires every
// existing ancestor up to the root to be a real directory (no symlinks).
func (g *PathGuard) validateParents(abs string) error {
	dir := filepath.Dir(abs)
	for {
		fi, err := os.Lstat(dir)
		if err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return Errorf(ErrAccessDenied, "parent %q is a symlink", dir)
			}
			if !fi.IsDir() {
				return Errorf(ErrInvalidInput, "parent %q is not a directory", dir)
			}
		}
		if g.isRoot(dir) {
			return nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Errorf(ErrAccessDenied, "path %q escapes the allowed roots", abs)
		}
		dir = parent
	}
}

func (g *PathGuard) isRoot(dir string) bool {
	for _, root := range g.roots {
		if dir == root {
			return true
		}
	}
	return false
}

func matchDangerous(abs string) string {
	lower := strings.ToLower(abs)
	for _, pat := range dangerousFilePatterns {
		if strings.Contains(lower, pat) {
			return pat
		}
	}
	return ""
}

// ── Command guard ──

// allowedCommands is the fixed allowlist for the run_command tool.
var allowedCommands = map[string]bool{
	"git": true, "npm": true, "node": true, "python3": true, "go": true,
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"grep": true, "find": true, "diff": true, "sort": true, "uniq": true,
	"echo": true, "date": true, "pwd": true, "which": true, "uname": true,
	"curl": true, "jq": true,
}

// dangerousArgFlags are rejected regardless of the command.
var dangerousArgFlags = []string{
	"--upload-file", "-o/dev/", "--output=/dev/",
	"--exec", "--eval",
}

// shellMetaChars would change the meaning of the command line; input
// containing any of them is rejected outright.
const shellMetaChars = ";&|`$<>(){}\n\r"

// ValidateCommand checks a command name and its arguments against the
// allowlist and metacharacter policy.
func ValidateCommand(name string, args []string) error {
	if !allowedCommands[name] {
		return Errorf(ErrAccessDenied, "command %q is not in the allowlist", name)
	}
	for _, arg := range append([]string{name}, args...) {
		if strings.ContainsAny(arg, shellMetaChars) {
			return Errorf(ErrAccessDenied, "argument %q contains shell metacharacters", arg)
		}
		lower := strings.ToLower(arg)
		for _, flag := range dangerousArgFlags {
			if strings.HasPrefix(lower, flag) {
				return Errorf(ErrAccessDenied, "argument %q is blocked", arg)
			}
		}
	}
	return nil
}

// ── SSRF guard ──

// ValidateFetchURL checks that a URL is HTTP(S) and does not resolve to a
// private, loopback, link-local, CGNAT, or otherwise internal address.
func ValidateFetchURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, Errorf(ErrInvalidInput, "bad URL %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, Errorf(ErrInvalidInput, "URL scheme %q is not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, Errorf(ErrInvalidInput, "URL %q has no host", raw)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, Errorf(ErrInvalidInput, "cannot resolve host %q: %v", host, err)
	}
	for _, ip := range ips {
		if isInternalIP(ip) {
			return nil, Errorf(ErrAccessDenied, "host %q resolves to an internal address", host)
		}
	}
	return u, nil
}

// internalCIDRs cover RFC1918, loopback, link-local, CGNAT, and the IPv6
// ULA/mapped equivalents.
var internalCIDRs = func() []*net.IPNet {
	blocks := []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", // RFC1918
		"127.0.0.0/8",       // loopback
		"169.254.0.0/16",    // link-local
		"100.64.0.0/10",     // CGNAT
		"0.0.0.0/8",         // "this" network
		"::1/128",           // IPv6 loopback
		"fc00::/7",          // IPv6 ULA
		"fe80::/10",         // IPv6 link-local
		"::ffff:0:0/96",     // IPv4-mapped (normalized to v4 before matching)
	}
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, n, err := net.ParseCIDR(b)
		if err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

func isInternalIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range internalCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
