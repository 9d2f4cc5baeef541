package api

import (
	"fmt"
	"strings"
)

// escapeKeep are the bytes left untouched by escapeTitle, mirroring the
// escaping browsers apply to download filenames.
const escapeKeep = "-_.!~*'()"

func shouldKeep(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	default:
		return strings.IndexByte(escapeKeep, b) >= 0
	}
}

// escapeTitle percent-encodes every byte of title except ASCII alphanumerics
// and -_.!~*'().
func escapeTitle(title string) string {
	var sb strings.Builder
	sb.Grow(len(title))
	for i := 0; i < len(title); i++ {
		b := title[i]
		if shouldKeep(b) {
			sb.WriteByte(b)
			continue
		}
		fmt.Fprintf(&sb, "%%%02X", b)
	}
	return sb.String()
}

// contentDisposition builds the attachment header for a rendered article.
// Both filename parameters carry the escaped title so download managers with
// either RFC 6266 or legacy parsing save the same name.
func contentDisposition(title string) string {
	escaped := escapeTitle(title)
	return fmt.Sprintf(`attachment; filename="%s.pdf"; filename*=UTF-8''%s.pdf`, escaped, escaped)
}
