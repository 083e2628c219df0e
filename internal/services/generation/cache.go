package generation

import (
	"bytes"
	"encoding/json"
)

// ShouldCache reports whether a result may be stored on the material: only
// whole-document requests that did not ask to regenerate.
func ShouldCache(pageStart, pageEnd *int, regenerate bool) bool {
	return pageStart == nil && pageEnd == nil && !regenerate
}

// CacheValid reports whether a cached payload stamped with version stamp
// still matches the material's current version.
func CacheValid(data json.RawMessage, stamp *int, current int) bool {
	if stamp == nil || *stamp != current {
		return false
	}
	d := bytes.TrimSpace(data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null")) && !bytes.Equal(d, []byte("[]")) && !bytes.Equal(d, []byte("{}"))
}
