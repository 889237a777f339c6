package addr

import (
	"testing"

	pb "github.com/linkerd/linkerd2-proxy-api/go/net"
)

func TestProxyIPToNetIP(t *testing.T) {
	cases := []struct {
		name     string
		ip       *pb.IPAddress
		expected string
	}{
		{
			name: "ipv4",
			ip: &pb.IPAddress{
				Ip: &pb.IPAddress_Ipv4{Ipv4: 3232235521},
			},
			expected: "192.168.0.1",
		},
		{
			name: "ipv6",
			ip: &pb.IPAddress{
				Ip: &pb.IPAddress_Ipv6{Ipv6: &pb.IPv6{First: 49320, Last: 1}},
			},
			expected: "::c0a8:0:0:0:1",
		},
		{
			name:     "nil",
			ip:       nil,
			expected: "",
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got := ProxyIPToNetIP(c.ip)
			if got == nil {
				if c.expected != "" {
					t.Errorf("expected: %v, got: <nil>", c.expected)
				}
				return
			}
			if got.String() != c.expected {
				t.Errorf("expected: %v, got: %v", c.expected, got.String())
			}
		})
	}
}

func TestProxyAddressToString(t *testing.T) {
	var testCases = []struct {
		addr   *pb.TcpAddress
		expStr string
	}{
		{
			addr: &pb.TcpAddress{
				Ip:   &pb.IPAddress{Ip: &pb.IPAddress_Ipv4{Ipv4: 1}},
				Port: 1234,
			},
			expStr: "0.0.0.1:1234",
		},
		{
			addr: &pb.TcpAddress{
				Ip:   &pb.IPAddress{Ip: &pb.IPAddress_Ipv4{Ipv4: 65535}},
				Port: 5678,
			},
			expStr: "0.0.255.255:5678",
		},
	}

	for _, testCase := range testCases {
		res := ProxyAddressToString(testCase.addr)
		if res != testCase.expStr {
			t.Fatalf("Unexpected string: %s expected: %s", res, testCase.expStr)
		}
	}
}
