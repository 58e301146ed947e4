package libusbguard

import (
	"errors"
	"fmt"

	"github.com/usbguard/usbguard/libusbguard/devices"
	"github.com/usbguard/usbguard/libusbguard/rule"
	"github.com/usbguard/usbguard/libusbguard/ruleset"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidTarget = errors.New("invalid target")
	ErrInternal      = errors.New("internal error")
	// ErrInvalidSnapshot reports an enumeration event carrying attributes
	// that cannot be evaluated.
	ErrInvalidSnapshot = errors.New("invalid device snapshot")
)

// classify maps errors from the engine's components onto the sentinels
// above. Parse errors are returned as they are.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rule.ErrParse):
		return err
	case errors.Is(err, ruleset.ErrNotFound), errors.Is(err, devices.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, devices.ErrInvalidTarget):
		return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	case errors.Is(err, devices.ErrInvalidSnapshot):
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}
