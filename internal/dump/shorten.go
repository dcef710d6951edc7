// Package dump extracts runtime script sources from the relayed CDP
// traffic and writes them to disk, and shortens the runtime's verbose
// script URLs into human-readable paths.
package dump

import "strings"

const (
	screenModulePrefix = "screen_modules/Screen_Content/"
	runtimePrefix      = "HMI_RT_"
	faceplateSegment   = "/faceplate_modules/"
)

// Shorten maps a verbose WinCC script URL to a compact relative path:
//
//	/screen_modules/Screen_Content/HMI_RT_1::HMI_Screen/faceplate_modules/CM_Freq/Events.js
//	-> HMI_Screen/CM_Freq/Events.js
//
// The runtime instance qualifier (HMI_RT_<n>:: or HMI_RT_<n>:) and the
// generated wrapper segments carry no information a person needs; the
// screen name, faceplate module name and file name survive. URLs that do
// not follow the screen-module pattern are returned unchanged. Callers
// that honor the long-paths switch must check it before calling.
func Shorten(url string) string {
	rest, ok := strings.CutPrefix(strings.TrimPrefix(url, "/"), screenModulePrefix)
	if !ok {
		return url
	}

	// Drop the HMI_RT_<n>:: instance qualifier. Both single and double
	// colon forms appear in the wild.
	if i := strings.Index(rest, ":"); i >= 0 {
		digits := strings.TrimPrefix(rest[:i], runtimePrefix)
		if len(rest[:i]) > len(digits) && isDigits(digits) {
			rest = strings.TrimLeft(rest[i:], ":")
		}
	}

	return strings.ReplaceAll(rest, faceplateSegment, "/")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// SanitizePath replaces the characters Windows forbids in file names so a
// script URL can be used as a relative dump path. Forward slashes are kept
// as directory separators.
func SanitizePath(p string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, p)
}
