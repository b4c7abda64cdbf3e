package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// IpToInt converts a dotted IPv4 address, with or without a /prefix, to its
// integer form.
func IpToInt(IP string) (uint32, error) {
	if strings.Contains(IP, "/") {
		IP = strings.Split(IP, "/")[0]
	}
	ip := net.ParseIP(IP)
	if ip == nil {
		return 0, fmt.Errorf("invalid IP address: %v", IP)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("only IPv4 addresses are supported")
	}
	return (uint32(ip4[0]) << 24) | (uint32(ip4[1]) << 16) | (uint32(ip4[2]) << 8) | uint32(ip4[3]), nil
}

func IntToIp(v uint32) string {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).String()
}

// ParseNet4 splits "a.b.c.d/len" into the integer base and the prefix length.
func ParseNet4(cidr string) (uint32, int, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse CIDR %q: %v", cidr, err)
	}
	ones, bits := ipNet.Mask.Size()
	if bits != 32 {
		return 0, 0, fmt.Errorf("only IPv4 networks are supported: %s", cidr)
	}
	base, err := IpToInt(ipNet.IP.String())
	if err != nil {
		return 0, 0, err
	}
	return base, ones, nil
}

// HostAddr derives the address of host i of network nwid inside hostNet:
// base + nwid<<8 + i, keeping the prefix of hostNet.
// With 192.168.0.0/16 this is 192.168.<nwid>.<i>/16.
func HostAddr(hostNet string, nwid, i int) (string, error) {
	base, ones, err := ParseNet4(hostNet)
	if err != nil {
		return "", err
	}
	addr := base + uint32(nwid)<<8 + uint32(i)
	return IntToIp(addr) + "/" + strconv.Itoa(ones), nil
}

// PtpAddrs returns the two /24 addresses of the point-to-point segment i
// inside ptpNet, host side first. With 1.1.0.0/16 these are 1.1.i.1/24 and
// 1.1.i.2/24.
func PtpAddrs(ptpNet string, i int) (string, string, error) {
	base, _, err := ParseNet4(ptpNet)
	if err != nil {
		return "", "", err
	}
	seg := base + uint32(i)<<8
	return IntToIp(seg+1) + "/24", IntToIp(seg+2) + "/24", nil
}
