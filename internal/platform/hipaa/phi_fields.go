package hipaa

import (
	"encoding/json"
	"strings"
)

// phiKeys are JSON member names that carry HIPAA Safe Harbor identifiers in
// vendor payloads. Matching is case-insensitive and ignores '_' and '-'.
var phiKeys = map[string]bool{
	"firstname":    true,
	"lastname":     true,
	"middlename":   true,
	"name":         true,
	"dateofbirth":  true,
	"dob":          true,
	"birthdate":    true,
	"address":      true,
	"address1":     true,
	"address2":     true,
	"addressline1": true,
	"addressline2": true,
	"city":         true,
	"zipcode":      true,
	"postalcode":   true,
	"phone":        true,
	"primaryphone": true,
	"email":        true,
	"ssn":          true,
	"mrn":          true,
}

const redacted = "[REDACTED]"

// IsPHIKey reports whether a JSON member name holds PHI.
func IsPHIKey(key string) bool {
	k := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(key))
	return phiKeys[k]
}

// RedactJSON replaces the values of PHI members anywhere in body. Bodies that
// are not JSON are dropped entirely since their content is unknown.
func RedactJSON(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return redacted
	}
	out, err := json.Marshal(redact(v))
	if err != nil {
		return redacted
	}
	return string(out)
}

func redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if IsPHIKey(k) {
				t[k] = redacted
				continue
			}
			t[k] = redact(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redact(t[i])
		}
		return t
	default:
		return v
	}
}
