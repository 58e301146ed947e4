package rulestore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mrunalp/fileutils"
	"github.com/opencontainers/selinux/go-selinux"
	"github.com/sirupsen/logrus"

	"github.com/usbguard/usbguard/libusbguard/rule"
)

// LoadError reports a rule file line that could not be parsed.
type LoadError struct {
	Path string
	Line int
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

const header = "# Generated by usbguard. Rules are evaluated top to bottom; the first match wins.\n"

func load(path string, maxSize int64) ([]*rule.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if maxSize > 0 {
		st, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if st.Size() > maxSize {
			return nil, fmt.Errorf("%s: %d bytes: %w", path, st.Size(), ErrTooLarge)
		}
		r = io.LimitReader(f, maxSize)
	}
	return parseRules(path, r)
}

func parseRules(path string, r io.Reader) ([]*rule.Rule, error) {
	var (
		rules []*rule.Rule
		line  int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ru, err := rule.Parse(text)
		if err != nil {
			return nil, &LoadError{Path: path, Line: line, Err: err}
		}
		rules = append(rules, ru)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

func formatRules(rules []*rule.Rule) []byte {
	var buf bytes.Buffer
	buf.WriteString(header)
	for _, r := range rules {
		if !r.Permanent {
			continue
		}
		buf.WriteString(r.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// save rewrites the rule file with the permanent rules of rules. The new
// content is written to a temporary file in the same directory which
// then replaces the old file, so readers see either the old or the new
// file in full.
func save(path string, rules []*rule.Rule, backup bool) (retErr error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-")
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(formatRules(rules)); err != nil {
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		keepLabel(path, tmp.Name())
		if backup {
			if err := fileutils.CopyFile(path, path+".bak"); err != nil {
				return fmt.Errorf("backup: %w", err)
			}
		}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	// The new file is in place; a failed directory sync only weakens
	// durability across a crash.
	if err := syncDir(dir); err != nil {
		logrus.WithField("file", path).Warnf("unable to sync rule directory: %v", err)
	}
	return nil
}

// keepLabel copies the SELinux label of the old rule file onto its
// replacement.
func keepLabel(from, to string) {
	if !selinux.GetEnabled() {
		return
	}
	label, err := selinux.FileLabel(from)
	if err != nil || label == "" {
		return
	}
	if err := selinux.SetFileLabel(to, label); err != nil {
		logrus.Warnf("unable to keep SELinux label %q on %s: %v", label, from, err)
	}
}

var syncDir = syncDirectory

func syncDirectory(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
