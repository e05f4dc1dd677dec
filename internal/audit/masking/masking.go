package masking

import "strings"

const maskToken = "****"

// sensitiveKeys hold gateway identifiers that must not land in audit rows in full.
var sensitiveKeys = map[string]struct{}{
	"charge_id":           {},
	"payment_intent_id":   {},
	"payment_method_id":   {},
	"provider_invoice_id": {},
	"card_fingerprint":    {},
}

// MaskIdentifier redacts a gateway identifier, keeping its type prefix and last four characters.
func MaskIdentifier(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskMetadata copies the input, masking string values under sensitive keys.
// The result is never nil.
func MaskMetadata(input map[string]any) map[string]any {
	masked := make(map[string]any, len(input)+1)
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(trimmedKey, value)
	}
	return masked
}

func maskValue(key string, value any) any {
	switch cast := value.(type) {
	case string:
		if _, ok := sensitiveKeys[key]; ok {
			return MaskIdentifier(cast)
		}
		return cast
	case map[string]any:
		return MaskMetadata(cast)
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
