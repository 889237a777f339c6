package addr

import (
	"encoding/binary"
	"math/big"
	"net"
	"strconv"

	pb "github.com/linkerd/linkerd2-proxy-api/go/net"
)

// DefaultWeight is the default address weight sent by the Destination
// service to Linkerd proxies when a WeightedAddr carries no explicit weight.
const DefaultWeight = 1

// ProxyAddressToString formats a Proxy API TCPAddress as a string.
func ProxyAddressToString(addr *pb.TcpAddress) string {
	netIP := ProxyIPToNetIP(addr.GetIp())
	if netIP == nil {
		return ""
	}
	strPort := strconv.Itoa(int(addr.GetPort()))
	return net.JoinHostPort(netIP.String(), strPort)
}

// ProxyIPToNetIP converts a Proxy API IPAddress into a net.IP.
func ProxyIPToNetIP(ip *pb.IPAddress) net.IP {
	if ip.GetIpv6() != nil {
		b := make([]byte, net.IPv6len)
		binary.BigEndian.PutUint64(b[:8], ip.GetIpv6().GetFirst())
		binary.BigEndian.PutUint64(b[8:], ip.GetIpv6().GetLast())
		return net.IP(b)
	} else if ip.GetIpv4() != 0 {
		return decodeIPv4ToNetIP(ip.GetIpv4())
	}
	return nil
}

// decodeIPv4ToNetIP converts an IPv4 uint32 to a net.IP.
func decodeIPv4ToNetIP(ip uint32) net.IP {
	oBigInt := big.NewInt(0)
	oBigInt = oBigInt.SetUint64(uint64(ip))
	return IntToIPv4(oBigInt)
}

// IntToIPv4 converts an IPv4 big.Int into a net.IP.
func IntToIPv4(intip *big.Int) net.IP {
	ipByte := make([]byte, net.IPv4len)
	uint32IP := intip.Uint64()
	binary.BigEndian.PutUint32(ipByte, uint32(uint32IP))
	return net.IP(ipByte)
}
