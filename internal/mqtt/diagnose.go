package mqtt

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// Diagnose maps a connection error to a one-line hint for the operator.
// It returns "" when nothing more specific than the error itself can be
// said.
func Diagnose(err error) string {
	if err == nil {
		return ""
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return "broker host unreachable: check the broker IP and that camera and broker share a network"
		case syscall.ECONNREFUSED:
			return "connection refused: broker not listening on that port, check the broker service and firewall"
		case syscall.ETIMEDOUT:
			return "connection timed out: broker may be down or filtered by a firewall"
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "broker hostname did not resolve: check mqtt.broker and DNS"
	}

	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return "connection timed out: broker may be down or filtered by a firewall"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connection timed out: broker may be down or filtered by a firewall"
	}

	return ""
}
