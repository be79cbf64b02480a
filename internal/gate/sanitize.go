// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"strings"
	"unicode/utf8"
)

// Device names are stored in a fixed 32 byte field including the
// terminator.
const MaxNameLength = 31

// SanitizeName turns a requested device name into a device identifier. The
// name is cut at the first NUL, invalid UTF-8 is replaced, the name is
// trimmed and truncated to at most MaxNameLength bytes without splitting a
// character. Every '/' and '.' is replaced by '_', so the name cannot escape
// the device directory.
func SanitizeName(name string) string {
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	name = strings.TrimSpace(strings.ToValidUTF8(name, "_"))
	if len(name) > MaxNameLength {
		cut := MaxNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}

	b := []byte(name)
	for i, c := range b {
		if c == '/' || c == '.' {
			b[i] = '_'
		}
	}

	return string(b)
}
