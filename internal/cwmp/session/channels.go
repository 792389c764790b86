package session

import (
	"fmt"
	"reflect"
	"slices"
)

// maxProvisions is the number of provisions a channel bitmask can
// address.
const maxProvisions = 64

// AddProvisions attaches provisions to channel. A provision already
// present (same name and arguments) is shared rather than duplicated;
// the channel's bitmask records which provisions it owns. The level stack
// is reset so the next RPCRequest runs the new set from the start.
func (e *Engine) AddProvisions(sc *Context, channel string, provs []Provision) error {
	mask := sc.Channels[channel]
	for _, p := range provs {
		i := slices.IndexFunc(sc.Provisions, func(q Provision) bool {
			return q.Name == p.Name && reflect.DeepEqual(q.Args, p.Args)
		})
		if i < 0 {
			if len(sc.Provisions) >= maxProvisions {
				return fmt.Errorf("adding %s to %q: %w", p.Name, channel, ErrTooManyProvisions)
			}
			sc.Provisions = append(sc.Provisions, p)
			i = len(sc.Provisions) - 1
		}
		mask |= 1 << uint(i)
	}
	sc.Channels[channel] = mask
	sc.resetLevels()
	return nil
}

// ClearProvisions discards every provision, channel and extra
// declaration.
func (e *Engine) ClearProvisions(sc *Context) {
	sc.Provisions = nil
	sc.resolved = nil
	sc.Channels = make(map[string]uint64)
	sc.extra = nil
	sc.resetLevels()
}
