package device

import (
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
)

// BuildID derives a device ID from the identity an Inform reports:
// "<OUI>-<ProductClass>-<SerialNumber>", or "<OUI>-<SerialNumber>" when
// the product class is empty. Bytes other than ASCII letters, digits and
// underscore are written as %XX so the hyphens stay unambiguous.
func BuildID(id rpc.DeviceID) (string, error) {
	if id.OUI == "" || id.SerialNumber == "" {
		return "", fmt.Errorf("%w: OUI and serial number are required", ErrInvalidDeviceID)
	}
	if id.ProductClass == "" {
		return escapeID(id.OUI) + "-" + escapeID(id.SerialNumber), nil
	}
	return escapeID(id.OUI) + "-" + escapeID(id.ProductClass) + "-" + escapeID(id.SerialNumber), nil
}

func escapeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
