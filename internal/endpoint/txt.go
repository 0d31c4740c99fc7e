package endpoint

import (
	"strconv"
	"strings"
)

// TXT keys advertised by gateways.
const (
	TXTDisplayName    = "displayname"
	TXTLanHost        = "lanhost"
	TXTTailnetDNS     = "tailnetdns"
	TXTGatewayPort    = "gatewayport"
	TXTCanvasPort     = "canvasport"
	TXTGatewayTLS     = "gatewaytls"
	TXTGatewayTLSSHA  = "gatewaytlssha256"
	maxTXTSegmentSize = 255
)

// DecodeText decodes bytes as UTF-8. Malformed input is kept as the raw
// bytes; nothing is replaced with U+FFFD or dropped.
func DecodeText(b []byte) string {
	return string(b)
}

// ParseTXT turns raw TXT character-strings into a key/value map. Keys are
// case-insensitive and stored lower case; the first occurrence of a key wins.
// A segment without '=' is a boolean attribute with an empty value.
func ParseTXT(segments [][]byte) map[string]string {
	txt := make(map[string]string, len(segments))
	for _, seg := range segments {
		if len(seg) == 0 || len(seg) > maxTXTSegmentSize {
			continue
		}
		s := DecodeText(seg)
		key, value, _ := strings.Cut(s, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, exists := txt[key]; exists {
			continue
		}
		txt[key] = strings.TrimSpace(value)
	}
	return txt
}

// ParseTXTStrings is ParseTXT for already-split string segments.
func ParseTXTStrings(segments []string) map[string]string {
	raw := make([][]byte, 0, len(segments))
	for _, s := range segments {
		raw = append(raw, []byte(s))
	}
	return ParseTXT(raw)
}

// Build assembles an Endpoint from resolved service data. The display name is
// the displayName TXT value when present, otherwise the instance name.
func Build(serviceType, domain, instance, host string, port int, txt map[string]string) Endpoint {
	name := strings.TrimSpace(txt[TXTDisplayName])
	if name == "" {
		name = instance
	}
	return Endpoint{
		StableID:             StableID(serviceType, domain, instance),
		Name:                 name,
		Host:                 host,
		Port:                 port,
		LanHost:              txt[TXTLanHost],
		TailnetDNS:           txt[TXTTailnetDNS],
		GatewayPort:          parsePort(txt[TXTGatewayPort]),
		CanvasPort:           parsePort(txt[TXTCanvasPort]),
		TLSEnabled:           parseFlag(txt, TXTGatewayTLS),
		TLSFingerprintSHA256: strings.ToLower(strings.TrimSpace(txt[TXTGatewayTLSSHA])),
	}
}

func parsePort(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 || n > 65535 {
		return 0
	}
	return n
}

// parseFlag reads a boolean attribute. A key present without a value is true.
func parseFlag(txt map[string]string, key string) bool {
	v, ok := txt[key]
	if !ok {
		return false
	}
	if strings.TrimSpace(v) == "" {
		return true
	}
	return parseBool(v)
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
