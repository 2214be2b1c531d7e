package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var sessionUUIDPattern = regexp.MustCompile(`session_([a-f0-9-]{36})`)

// SessionHash derives the session affinity key of a Messages request.
//
// A session uuid embedded in metadata.user_id is used verbatim. Otherwise the
// key is the first 32 hex chars of sha256 over the first user message.
// An empty string means the request carries nothing to pin on.
func SessionHash(body []byte) string {
	if userID := gjson.GetBytes(body, "metadata.user_id").String(); userID != "" {
		if match := sessionUUIDPattern.FindStringSubmatch(userID); len(match) > 1 {
			return match[1]
		}
	}

	var content string
	gjson.GetBytes(body, "messages").ForEach(func(_, message gjson.Result) bool {
		if message.Get("role").String() != "user" {
			return true
		}
		content = messageText(message.Get("content"))
		return false
	})
	if strings.TrimSpace(content) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:32]
}

func messageText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return content.Raw
	}
	var b strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	if b.Len() == 0 {
		return content.Raw
	}
	return b.String()
}
