package decode

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// fallbackChain is tried in order for bytes that are not valid UTF-8 and
// carry no usable charset declaration. ISO-8859-1 accepts any byte
// sequence, so it acts as the catch-all before the replacement pass.
var fallbackChain = []struct {
	name string
	enc  encoding.Encoding
}{
	{"gbk", simplifiedchinese.GBK},
	{"gb18030", simplifiedchinese.GB18030},
	{"iso-8859-1", charmap.ISO8859_1},
	{"windows-1252", charmap.Windows1252},
}

// decodeBest converts arbitrary bytes to a UTF-8 string and reports the
// charset that produced it. It never fails: when every decoder in the
// chain balks, invalid sequences are replaced and the result is still
// returned.
func decodeBest(b []byte) (text string, charset string) {
	if utf8.Valid(b) {
		return string(b), "utf-8"
	}

	for _, c := range fallbackChain {
		out, err := c.enc.NewDecoder().Bytes(b)
		if err != nil {
			continue
		}
		if strings.ContainsRune(string(out), utf8.RuneError) {
			continue
		}
		return string(out), c.name
	}

	return strings.ToValidUTF8(string(b), string(utf8.RuneError)), "utf-8"
}

// toUTF8 keeps already-valid text untouched and routes everything else
// through the fallback chain.
func toUTF8(s string) (string, string) {
	if utf8.ValidString(s) {
		return s, "utf-8"
	}
	return decodeBest([]byte(s))
}
