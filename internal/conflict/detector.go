package conflict

import (
	"net/http"
	"strings"
)

// Classify maps a replayed method and the server's status to a conflict
// type. ok is false when the pair is not a recognised conflict, in which
// case the type falls back to UPDATE_UPDATE.
func Classify(method string, status int) (t Type, ok bool) {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		if status == http.StatusConflict {
			return CreateCreate, true
		}
	case http.MethodPut, http.MethodPatch:
		switch status {
		case http.StatusConflict:
			return UpdateUpdate, true
		case http.StatusNotFound:
			return UpdateDelete, true
		}
	case http.MethodDelete:
		switch status {
		case http.StatusNotFound:
			return DeleteDelete, true
		case http.StatusConflict:
			return DeleteUpdate, true
		}
	}
	return UpdateUpdate, false
}

// Detect is Classify without the recognition flag
func Detect(method string, status int) Type {
	t, _ := Classify(method, status)
	return t
}

// IsConflictStatus reports whether a response to method should go through
// conflict handling rather than count as a failure: any 409, or a 404 on a
// write that targets an existing resource.
func IsConflictStatus(method string, status int) bool {
	if status == http.StatusConflict {
		return true
	}
	if status != http.StatusNotFound {
		return false
	}
	switch strings.ToUpper(method) {
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
