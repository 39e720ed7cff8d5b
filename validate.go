package sdns

import "strings"

// validateName returns nil if the given name is a valid host name: each
// dot-separated label is 1-63 characters of [A-Za-z0-9_-] (underscores
// are tolerated, see https://tools.ietf.org/html/rfc3696#section-2),
// labels do not start or end with a hyphen, and the total length does
// not exceed 253 characters.
func validateName(name string) error {
	if name == "" {
		return InvalidNameError{name, "name empty"}
	}
	trimmed := strings.TrimSuffix(name, ".")
	if len(trimmed) > 253 {
		return InvalidNameError{name, "name too long"}
	}
	for _, label := range strings.Split(trimmed, ".") {
		if label == "" {
			return InvalidNameError{name, "empty label"}
		}
		if len(label) > 63 {
			return InvalidNameError{name, "label too long"}
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return InvalidNameError{name, "label can not start or end with -"}
		}
		for _, c := range label {
			switch {
			case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
			default:
				return InvalidNameError{name, "invalid character " + string(c)}
			}
		}
	}
	return nil
}
