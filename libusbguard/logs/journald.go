package logs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"
)

var ErrNoJournal = errors.New("systemd journal is not available")

// JournalHook sends logrus entries to the systemd journal. Entry fields
// become journal fields, upper-cased and prefixed with USBGUARD_.
type JournalHook struct {
	identifier string
}

// NewJournalHook returns a hook logging with the given syslog identifier.
func NewJournalHook(identifier string) (*JournalHook, error) {
	if !journal.Enabled() {
		return nil, ErrNoJournal
	}
	return &JournalHook{identifier: identifier}, nil
}

func (h *JournalHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *JournalHook) Fire(e *logrus.Entry) error {
	vars := make(map[string]string, len(e.Data)+1)
	vars["SYSLOG_IDENTIFIER"] = h.identifier
	for k, v := range e.Data {
		vars["USBGUARD_"+journalKey(k)] = fmt.Sprint(v)
	}
	return journal.Send(e.Message, priority(e.Level), vars)
}

func priority(l logrus.Level) journal.Priority {
	switch l {
	case logrus.PanicLevel:
		return journal.PriEmerg
	case logrus.FatalLevel:
		return journal.PriCrit
	case logrus.ErrorLevel:
		return journal.PriErr
	case logrus.WarnLevel:
		return journal.PriWarning
	case logrus.InfoLevel:
		return journal.PriInfo
	}
	return journal.PriDebug
}

// journalKey maps a logrus field name to the journal field alphabet.
func journalKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, k)
}
