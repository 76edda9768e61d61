package packet

import "strings"

// validateFilterSyntax checks the structural rules for topic filters
// shared by SUBSCRIBE and UNSUBSCRIBE: '#' must be the last character of
// the last level, and '+' must occupy an entire level.
func validateFilterSyntax(filter string) error {
	if filter == "" {
		return ErrMalformedPacket
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return ErrMalformedPacket
			}
		case level == "+":
			// valid anywhere
		case strings.ContainsAny(level, "#+"):
			return ErrMalformedPacket
		}
	}
	return nil
}
