package downstream

import (
	"context"
	"errors"
	"net"
	"net/url"
)

// isTimeout reports deadline-style failures from net/http, whether they come
// from the client's Timeout or a context deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
