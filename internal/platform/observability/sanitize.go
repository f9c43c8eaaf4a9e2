package observability

import "unicode"

const defaultStringLimit = 256

// sanitizeString drops control characters and caps the length to avoid log injection.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
		if len(cleaned) == limit {
			break
		}
	}
	return string(cleaned)
}

// SanitizeRoute removes control characters and enforces length constraints on routes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod removes control characters in HTTP methods.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID limits potential identifiers to reduce PII leakage in logs.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return sanitizeString(uid, 64)
}

// sanitizeValue cleans caller supplied strings before they reach structured log fields.
func sanitizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return sanitizeString(v, defaultStringLimit)
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = sanitizeString(s, defaultStringLimit)
		}
		return out
	default:
		return value
	}
}
