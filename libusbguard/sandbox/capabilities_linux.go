package sandbox

import (
	"sort"
	"strings"

	"github.com/moby/sys/userns"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
)

var capabilityMap map[string]capability.Cap

func init() {
	list := capability.List()
	capabilityMap = make(map[string]capability.Cap, len(list))
	for _, c := range list {
		if c > capability.CAP_LAST_CAP {
			continue
		}
		capabilityMap["CAP_"+strings.ToUpper(c.String())] = c
	}
}

// capSlice converts capability names to their numeric values. Unknown names
// are collected in unknown instead.
func capSlice(names []string, unknown map[string]struct{}) []capability.Cap {
	var out []capability.Cap
	for _, n := range names {
		if v, ok := capabilityMap[n]; ok {
			out = append(out, v)
		} else {
			unknown[n] = struct{}{}
		}
	}
	return out
}

type caps struct {
	pid  capability.Capabilities
	keep []capability.Cap
}

func newCaps(names []string) (*caps, error) {
	unknown := make(map[string]struct{})
	c := &caps{keep: capSlice(names, unknown)}
	if len(unknown) > 0 {
		var keys []string
		for k := range unknown {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		logrus.Warn("ignoring unknown capabilities: ", keys)
	}
	var err error
	if c.pid, err = capability.NewPid2(0); err != nil {
		return nil, err
	}
	if err := c.pid.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// apply reduces the bounding set, then the effective, permitted and
// inheritable sets, to the kept capabilities. Inside a user namespace the
// bounding set belongs to the namespace owner and is left alone.
func (c *caps) apply() error {
	which := capability.CAPS
	if !userns.RunningInUserNS() {
		which |= capability.BOUNDS
	}
	c.pid.Clear(which)
	c.pid.Set(which, c.keep...)
	return c.pid.Apply(which)
}
