package endpoint

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DecodeLabel reverses DNS presentation-format escaping of a single label:
// "\DDD" decimal byte escapes and "\X" literal escapes. Malformed escapes are
// kept verbatim. The resulting bytes are decoded with DecodeText.
func DecodeLabel(label string) string {
	if !strings.Contains(label, `\`) {
		return DecodeText([]byte(label))
	}

	buf := make([]byte, 0, len(label))
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' || i+1 >= len(label) {
			buf = append(buf, c)
			continue
		}
		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			v := int(label[i+1]-'0')*100 + int(label[i+2]-'0')*10 + int(label[i+3]-'0')
			if v <= 255 {
				buf = append(buf, byte(v))
				i += 3
				continue
			}
		}
		buf = append(buf, label[i+1])
		i++
	}
	return DecodeText(buf)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// InstanceFromFQDN extracts the decoded instance name from a service instance
// FQDN such as `Office\032GW._gw._tcp.example.com.`. ok is false when fqdn is
// not under serviceType.domain.
func InstanceFromFQDN(fqdn, serviceType, domain string) (string, bool) {
	suffix := "." + normalizeDNSName(serviceType) + "." + normalizeDNSName(domain)
	name := strings.TrimSuffix(strings.TrimSpace(fqdn), ".")
	if len(name) <= len(suffix) || !strings.EqualFold(name[len(name)-len(suffix):], suffix) {
		return "", false
	}
	return DecodeLabel(name[:len(name)-len(suffix)]), true
}

// NormalizeName canonicalizes a decoded instance name for identity purposes:
// Unicode NFC, trimmed, inner whitespace collapsed, lower case.
func NormalizeName(name string) string {
	name = norm.NFC.String(name)
	fields := strings.FieldsFunc(name, unicode.IsSpace)
	return strings.ToLower(strings.Join(fields, " "))
}
