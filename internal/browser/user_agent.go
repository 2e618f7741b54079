package browser

import "strings"

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// DefaultUserAgent 返回默认的桌面版 Chrome UA。
func DefaultUserAgent() string {
	return defaultUserAgent
}

// NormalizeUserAgent 售票站只对桌面 UA 返回完整的购票页；入参为空或像手机 UA 时返回默认 UA。
func NormalizeUserAgent(ua string) string {
	v := strings.TrimSpace(ua)
	if v == "" || looksLikeMobileUA(v) {
		return defaultUserAgent
	}
	return v
}

func looksLikeMobileUA(ua string) bool {
	s := strings.ToLower(ua)
	if strings.Contains(s, "micromessenger") || strings.Contains(s, "mobile") {
		return true
	}
	if strings.Contains(s, "iphone") || strings.Contains(s, "android") || strings.Contains(s, "ipad") {
		return true
	}
	return false
}
