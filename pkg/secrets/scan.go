package secrets

import (
	"fmt"
	"regexp"
)

// valuePatterns flag strings that look like secret material regardless of
// where they appear.
var valuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN[A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`^sk_live_`),
	regexp.MustCompile(`^AKIA[0-9A-Z]{16}$`),
	regexp.MustCompile(`(?i)password\W*[:=]\W*\w+`),
	regexp.MustCompile(`(?i)secret\W*[:=]\W*\w+`),
}

var keyPattern = regexp.MustCompile(`(?i)(password|api_key|secret|secret_key|token)$`)

// ScanForCleartext walks a patch or event payload and reports the first
// value that looks like a plaintext secret. The vault handler runs this
// over its own output before it can reach the ledger.
func ScanForCleartext(v any) error {
	return walk(v, "", func(path string, value any) error {
		str, ok := value.(string)
		if !ok {
			return nil
		}
		if keyPattern.MatchString(path) {
			return fmt.Errorf("plaintext secret at %s (key implies secret)", path)
		}
		for _, p := range valuePatterns {
			if p.MatchString(str) {
				return fmt.Errorf("plaintext secret at %s", path)
			}
		}
		return nil
	})
}

func walk(v any, path string, visit func(path string, value any) error) error {
	if err := visit(path, v); err != nil {
		return err
	}
	switch val := v.(type) {
	case map[string]any:
		for k, elem := range val {
			child := k
			if path != "" {
				child = path + "." + k
			}
			if err := walk(elem, child, visit); err != nil {
				return err
			}
		}
	case []any:
		for i, elem := range val {
			if err := walk(elem, fmt.Sprintf("%s[%d]", path, i), visit); err != nil {
				return err
			}
		}
	}
	return nil
}
