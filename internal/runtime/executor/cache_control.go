package executor

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// stripCacheControlTTL removes cache_control.ttl hints from system blocks,
// message content blocks, and tools.
func stripCacheControlTTL(body []byte) []byte {
	var paths []string
	collect := func(prefix string, items gjson.Result) {
		if !items.IsArray() {
			return
		}
		for i, item := range items.Array() {
			if item.Get("cache_control.ttl").Exists() {
				paths = append(paths, fmt.Sprintf("%s.%d.cache_control.ttl", prefix, i))
			}
		}
	}

	root := gjson.ParseBytes(body)
	collect("system", root.Get("system"))
	collect("tools", root.Get("tools"))
	root.Get("messages").ForEach(func(key, message gjson.Result) bool {
		collect(fmt.Sprintf("messages.%d.content", key.Int()), message.Get("content"))
		return true
	})

	for _, path := range paths {
		if updated, err := sjson.DeleteBytes(body, path); err == nil {
			body = updated
		}
	}
	return body
}
