package cache

import (
	"encoding/json"
	"fmt"
)

// Key builds prefix + url + "|" + canonical JSON of params. Object keys are
// sorted at every depth, and nil and empty params give the same key.
func Key(prefix, url string, params map[string]any) string {
	return prefix + url + "|" + canonical(params)
}

func canonical(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	// encoding/json sorts map keys, which makes the output canonical.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(raw)
}
