package providers

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes used by each dialect.
const (
	anthropicIDPrefix   = "msg_"
	openaiIDPrefix      = "resp_"
	oaCompatIDPrefix    = "chatcmpl-"
	toolUseIDPrefix     = "toolu_"
	callIDPrefix        = "call_"
	itemIDPrefix        = "fc_"
	messageItemIDPrefix = "msg_"
)

var knownIDPrefixes = []string{"msg_", "resp_", "chatcmpl-", "chatcmpl_"}

// newID returns a random identifier with the given prefix.
func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// translateID swaps a known dialect prefix for the target prefix. Unknown
// prefixes are left alone; an empty id gets a fresh random one.
func translateID(id, prefix string) string {
	if id == "" {
		return newID(prefix)
	}
	for _, p := range knownIDPrefixes {
		if strings.HasPrefix(id, p) {
			return prefix + strings.TrimPrefix(id, p)
		}
	}
	return id
}

func orNewID(id, prefix string) string {
	if id == "" {
		return newID(prefix)
	}
	return id
}
