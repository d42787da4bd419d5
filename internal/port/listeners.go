package port

import (
	"context"

	gopsnet "github.com/shirou/gopsutil/v4/net"
)

// Listening queries the OS socket table for a TCP listener bound to port.
// It covers sockets held by processes outside this runtime.
func Listening(ctx context.Context, port int) (bool, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return false, err
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port {
			return true, nil
		}
	}
	return false, nil
}
