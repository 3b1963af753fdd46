package web

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Names that refer to devices on Windows, where received files may be copied to.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFilename turns a client-supplied filename into a safe base name:
// decomposed to ASCII, whitespace and path separators replaced by
// underscores, only letters, digits, "_", "." and "-" kept, no leading or
// trailing dots or underscores. Reserved device names are prefixed with an
// underscore. An empty result becomes "upload".
func SanitizeFilename(name string) string {
	// Some clients send the full local path.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, c := range norm.NFKD.String(name) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.', c == '-':
			b.WriteRune(c)
		case c == ' ', c == '\t':
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "._")
	if s == "" {
		return "upload"
	}
	base, _, _ := strings.Cut(s, ".")
	if reservedNames[strings.ToUpper(base)] {
		s = "_" + s
	}
	return s
}

// createUnique creates a new file for name in dir. If name exists, " (N)" is
// inserted before the extension, with the lowest N that is free.
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	for i := 0; ; i++ {
		n := name
		if i > 0 {
			n = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		p := filepath.Join(dir, n)
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			return f, p, nil
		}
		if !errors.Is(err, os.ErrExist) || i >= 10000 {
			return nil, "", err
		}
	}
}
