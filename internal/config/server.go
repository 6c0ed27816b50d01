package config

import (
	"fmt"
	"net"
)

// pickPrivateIP scans the host's network interfaces for the first
// live, non-loopback IPv4 address in a private block — used when the
// operator passes "auto" for <own-ip> instead of naming an address.
func pickPrivateIP() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if (iface.Flags&net.FlagUp) == 0 || (iface.Flags&net.FlagLoopback) != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			ip = ip.To4()
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if isPrivateIP(ip) {
				return ip, nil
			}
		}
	}
	return nil, fmt.Errorf("config: no private IPv4 interface found for auto-detection")
}

// isPrivateIP reports whether ip falls in one of the RFC 1918 blocks.
func isPrivateIP(ip net.IP) bool {
	for _, block := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, cidr, _ := net.ParseCIDR(block)
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ResolveOwnIP returns ownIP unchanged unless it is the literal "auto",
// in which case it auto-detects a private IPv4 address — a convenience
// for running a node in a container where the operator doesn't know
// the assigned address ahead of time.
func ResolveOwnIP(ownIP string) (string, error) {
	if ownIP != "auto" {
		return ownIP, nil
	}
	ip, err := pickPrivateIP()
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

// Listen opens the TCP listener a node accepts inbound peer
// connections on.
func Listen(ip, port string) (net.Listener, error) {
	return net.Listen("tcp4", net.JoinHostPort(ip, port))
}
