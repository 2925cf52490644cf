package subtitle

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

var bomBytes = []byte(bomUTF8)

// Decode turns subtitle bytes of unknown provenance into a UTF-8 string.
// ASR backends reply in UTF-8 with or without a byte order mark, while some
// return GBK. The fallback order is UTF-8, GBK, then Latin-1, which always
// succeeds byte-for-byte.
func Decode(data []byte) string {
	data = bytes.TrimPrefix(data, bomBytes)
	if utf8.Valid(data) {
		return string(data)
	}
	if out, err := simplifiedchinese.GBK.NewDecoder().Bytes(data); err == nil && !strings.ContainsRune(string(out), utf8.RuneError) {
		return string(out)
	}
	out, _ := charmap.ISO8859_1.NewDecoder().Bytes(data)
	return string(out)
}
