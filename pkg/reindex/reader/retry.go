package reader

import (
	"errors"
	"net"
	"strings"
)

var transientSignatures = []string{
	"timeout",
	"connection",
	"pool exhausted",
	"connectexception",
	"sockettimeoutexception",
}

// IsTransient reports whether err looks like an infrastructure hiccup worth
// retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
