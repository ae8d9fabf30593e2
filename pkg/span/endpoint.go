package span

import (
	"net"
	"os"
	"strconv"
)

const LoopbackAddress = "127.0.0.1"

// Endpoint 标识被追踪的服务实例
type Endpoint struct {
	IPv4        string
	Port        int
	ServiceName string
}

func (e *Endpoint) HostPort() string {
	return net.JoinHostPort(e.IPv4, strconv.Itoa(e.Port))
}

// LocalAddress returns the first IPv4 address the local hostname resolves to,
// or the loopback address when the lookup fails.
func LocalAddress() string {
	host, err := os.Hostname()
	if err != nil {
		return LoopbackAddress
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return LoopbackAddress
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	return LoopbackAddress
}
