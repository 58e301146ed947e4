package rulestore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/usbguard/usbguard/libusbguard/rule"
	"github.com/usbguard/usbguard/libusbguard/ruleset"
)

func mustParse(t *testing.T, spec string) *rule.Rule {
	t.Helper()
	r, err := rule.Parse(spec)
	if err != nil {
		t.Fatalf("Parse(%q): %v", spec, err)
	}
	return r
}

func readRules(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		if l != "" && !strings.HasPrefix(l, "#") {
			out = append(out, l)
		}
	}
	return out
}

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "rules.conf"), rule.Block, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(s.List(nil)); n != 0 {
		t.Fatalf("got %d rules, want 0", n)
	}
	if target, id := s.Decide(&rule.Attributes{}); target != rule.Block || id != rule.NoneID {
		t.Fatalf("Decide = (%v, %d), want (block, none)", target, id)
	}
}

func TestOpenParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	content := `# comment

allow id 1234:5678 serial "A"
  # indented comment
block with-interface one-of { 08:*:* 03:00:01 }
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, rule.Block, Options{})
	if err != nil {
		t.Fatal(err)
	}
	rules := s.List(nil)
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].ID != 1 || rules[1].ID != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", rules[0].ID, rules[1].ID)
	}
}

func TestOpenReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	content := "allow id 1234:5678\n# fine\nallow bogus-attribute 1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path, rule.Block, Options{})
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("got %v, want *LoadError", err)
	}
	if le.Line != 3 {
		t.Errorf("Line = %d, want 3", le.Line)
	}
	if !errors.Is(err, rule.ErrUnknownAttribute) {
		t.Errorf("%v does not wrap ErrUnknownAttribute", err)
	}
}

func TestOpenTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	if err := os.WriteFile(path, []byte(strings.Repeat("allow\n", 100)), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, rule.Block, Options{MaxSize: 64}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.conf")
	s, err := Open(path, rule.Block, Options{Backup: true})
	if err != nil {
		t.Fatal(err)
	}

	a, err := s.Append(mustParse(t, `allow id 1234:5678`), rule.LastID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(mustParse(t, `block name "tmp" temporary`), rule.LastID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(mustParse(t, `reject device-class 09`), rule.RootID); err != nil {
		t.Fatal(err)
	}

	want := []string{`reject device-class 09`, `allow id 1234:5678`}
	if got := readRules(t, path); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("rule file = %q, want %q", got, want)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("backup missing: %v", err)
	}

	if _, err := s.Remove(a); err != nil {
		t.Fatal(err)
	}
	if got := readRules(t, path); len(got) != 1 || got[0] != want[0] {
		t.Fatalf("rule file after remove = %q", got)
	}

	// The file reloads to the same permanent rules.
	re, err := Open(path, rule.Block, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rules := re.List(nil); len(rules) != 1 || rules[0].String() != want[0] {
		t.Fatalf("reloaded rules = %v", rules)
	}
}

func TestTemporaryRuleNotWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	s, err := Open(path, rule.Block, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(mustParse(t, `allow temporary`), rule.LastID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("rule file written for a temporary rule: %v", err)
	}
}

func TestFailedSaveRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "rules.conf")
	s, err := Open(path, rule.Block, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(mustParse(t, `allow`), rule.LastID); err == nil {
		t.Fatal("Append succeeded without a writable rule directory")
	}
	if n := len(s.List(nil)); n != 0 {
		t.Fatalf("failed append left %d rules in the set", n)
	}
	if target, _ := s.Decide(&rule.Attributes{}); target != rule.Block {
		t.Fatalf("Decide = %v after rollback, want block", target)
	}
}

func TestDirSyncFailureKeepsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	s, err := Open(path, rule.Block, Options{})
	if err != nil {
		t.Fatal(err)
	}
	syncDir = func(string) error { return errors.New("EIO") }
	defer func() { syncDir = syncDirectory }()

	id, err := s.Append(mustParse(t, `allow id 1234:5678`), rule.LastID)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Get(id); err != nil {
		t.Fatalf("rule %d missing from memory: %v", id, err)
	}
	if got := readRules(t, path); len(got) != 1 || got[0] != `allow id 1234:5678` {
		t.Fatalf("rule file = %v", got)
	}
}

func TestUpsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	s, err := Open(path, rule.Allow, Options{})
	if err != nil {
		t.Fatal(err)
	}
	old, err := s.Append(mustParse(t, `allow id 1234:5678 serial "S"`), rule.LastID)
	if err != nil {
		t.Fatal(err)
	}
	id, replaced, err := s.Upsert(rule.FingerprintRule(rule.Block, &rule.Attributes{VendorID: 0x1234, ProductID: 0x5678, Serial: "S"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(replaced) != 1 || replaced[0].ID != old {
		t.Fatalf("replaced = %v", replaced)
	}
	if _, err := s.Get(old); !errors.Is(err, ruleset.ErrNotFound) {
		t.Fatalf("old rule still present: %v", err)
	}
	if got := readRules(t, path); len(got) != 1 || got[0] != `block id 1234:5678 serial "S"` {
		t.Fatalf("rule file = %q", got)
	}
	if r, err := s.Get(id); err != nil || r.Target != rule.Block {
		t.Fatalf("Get(%d) = %v, %v", id, r, err)
	}
}

func TestRemoveMissing(t *testing.T) {
	s, err := Open("", rule.Block, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Remove(7); !errors.Is(err, ruleset.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
