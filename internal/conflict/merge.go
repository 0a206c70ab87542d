package conflict

import (
	"reflect"
	"strings"
)

// MetadataPrefix marks keys that are never merged from the client
const MetadataPrefix = "_"

// MergeFields starts from a copy of server and overwrites every
// non-metadata field whose client value differs. Server-only fields are
// kept. Neither input is modified.
func MergeFields(client, server map[string]any) map[string]any {
	merged := make(map[string]any, len(server)+len(client))
	for k, v := range server {
		merged[k] = v
	}
	for k, v := range client {
		if strings.HasPrefix(k, MetadataPrefix) {
			continue
		}
		if sv, ok := server[k]; ok && reflect.DeepEqual(sv, v) {
			continue
		}
		merged[k] = v
	}
	return merged
}

// withForce returns a copy of payload carrying the force flag
func withForce(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["_force"] = true
	return out
}
