package companion

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestGuard(t *testing.T) (*PathGuard, string) {
	t.Helper()
	root := t.TempDir()
	g, err := NewPathGuard(root)
	if err != nil {
		t.Fatalf("NewPathGuard: %v", err)
	}
	// The guard resolves roots through symlinks (macOS tempdirs live
	// under /var -> /private/var), so compare against the resolved form.
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	return g, resolved
}

func TestPathGuardRelativeRootedAtPrimary(t *testing.T) {
	g, root := newTestGuard(t)
	got, err := g.Resolve("notes.md", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != filepath.Join(root, "notes.md") {
		t.Errorf("Resolve = %q, want rooted under %q", got, root)
	}
}

func TestPathGuardRejectsEscape(t *testing.T) {
	g, root := newTestGuard(t)
	cases := []string{
		"../outside.txt",
		"a/../../outside.txt",
		"/etc/passwd",
		filepath.Join(root, "..", "sibling"),
	}
	for _, p := range cases {
		if _, err := g.Resolve(p, false); err == nil {
			t.Errorf("Resolve(%q) succeeded, want access denied", p)
		} else if KindOf(err) != ErrAccessDenied {
			t.Errorf("Resolve(%q) kind = %v, want AccessDenied", p, KindOf(err))
		}
	}
}

func TestPathGuardRejectsDangerousPatterns(t *testing.T) {
	g, _ := newTestGuard(t)
	cases := []string{".bashrc", ".ssh/id_rsa", ".env", "sub/.gitconfig"}
	for _, p := range cases {
		if _, err := g.Resolve(p, true); err == nil {
			t.Errorf("Resolve(%q) succeeded, want blocked", p)
		}
	}
}

func TestPathGuardRejectsSymlinkEscape(t *testing.T) {
	g, root := newTestGuard(t)
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := g.Resolve("link/file.txt", true); err == nil {
		t.Error("path through a symlinked parent should be denied")
	}
}

func TestPathGuardRejectsSymlinkLeafOnRead(t *testing.T) {
	g, root := newTestGuard(t)
	target := filepath.Join(root, "real.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A link inside the root pointing inside the root is still rejected
	// on read; file tools reopen with O_NOFOLLOW.
	link := filepath.Join(root, "alias.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	got, err := g.Resolve("alias.txt", false)
	// EvalSymlinks on the existing prefix resolves the leaf too, so the
	// resolved path must land on the real file, never the link.
	if err != nil {
		return
	}
	if got != target {
		t.Errorf("Resolve = %q, want the symlink resolved to %q", got, target)
	}
}

func TestPathGuardEmptyPath(t *testing.T) {
	g, _ := newTestGuard(t)
	if _, err := g.Resolve("", false); err == nil {
		t.Error("empty path should be rejected")
	}
}

func TestValidateCommand(t *testing.T) {
	cases := []struct {
		name string
		args []string
		ok   bool
	}{
		{"git", []string{"status"}, true},
		{"ls", []string{"-la"}, true},
		{"rm", []string{"-rf", "/"}, false},
		{"bash", []string{"-c", "true"}, false},
		{"git", []string{"log; rm -rf /"}, false},
		{"echo", []string{"$(whoami)"}, false},
		{"cat", []string{"a | b"}, false},
		{"curl", []string{"--upload-file", "secrets"}, false},
		{"git", []string{"log", "--oneline"}, true},
	}
	for _, tc := range cases {
		err := ValidateCommand(tc.name, tc.args)
		if tc.ok && err != nil {
			t.Errorf("ValidateCommand(%s %v) = %v, want ok", tc.name, tc.args, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidateCommand(%s %v) succeeded, want rejection", tc.name, tc.args)
		}
	}
}

func TestIsInternalIP(t *testing.T) {
	internal := []string{
		"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.1.1",
		"169.254.1.1", "100.64.0.1", "::1", "fe80::1", "fc00::1",
		"::ffff:192.168.1.1",
	}
	for _, s := range internal {
		if !isInternalIP(net.ParseIP(s)) {
			t.Errorf("isInternalIP(%s) = false, want true", s)
		}
	}
	external := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2607:f8b0::1"}
	for _, s := range external {
		if isInternalIP(net.ParseIP(s)) {
			t.Errorf("isInternalIP(%s) = true, want false", s)
		}
	}
}

func TestValidateFetchURLScheme(t *testing.T) {
	for _, raw := range []string{"ftp://example.com/x", "file:///etc/passwd", "gopher://x"} {
		if _, err := ValidateFetchURL(raw); err == nil {
			t.Errorf("ValidateFetchURL(%q) succeeded, want scheme rejection", raw)
		}
	}
	if _, err := ValidateFetchURL("http://"); err == nil {
		t.Error("URL without a host should be rejected")
	}
}

func TestValidateFetchURLBlocksLoopback(t *testing.T) {
	if _, err := ValidateFetchURL("http://127.0.0.1:8080/admin"); err == nil {
		t.Error("loopback fetch should be denied")
	} else if KindOf(err) != ErrAccessDenied {
		t.Errorf("kind = %v, want AccessDenied", KindOf(err))
	}
}

func TestExtractReadable(t *testing.T) {
	html := `<html><head><title> My Page </title>
<script>alert(1)</script><style>.x{}</style></head>
<body><h1>Hello</h1><p>World &amp; friends</p></body></html>`
	title, text := extractReadable(html)
	if title != "My Page" {
		t.Errorf("title = %q, want My Page", title)
	}
	if strings.Contains(text, "alert") || strings.Contains(text, ".x{}") {
		t.Errorf("script/style content leaked into text: %q", text)
	}
	if !strings.Contains(text, "Hello") || !strings.Contains(text, "World & friends") {
		t.Errorf("text = %q, missing body content", text)
	}
}
