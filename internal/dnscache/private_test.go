package dnscache

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPrivateIPv4(t *testing.T) {
	private := []string{
		"10.0.0.1", "172.16.0.1", "172.31.255.255", "192.168.1.1",
		"127.0.0.1", "169.254.1.1", "0.0.0.0", "100.64.0.1", "100.127.255.254",
		"192.0.0.1", "198.18.0.1", "198.19.255.255", "240.0.0.1", "255.255.255.255",
	}
	for _, ip := range private {
		assert.True(t, IsPrivateIP(net.ParseIP(ip)), "%s should be private", ip)
	}

	public := []string{"8.8.8.8", "1.1.1.1", "203.0.113.1", "100.63.255.254", "172.15.255.255", "172.32.0.1"}
	for _, ip := range public {
		assert.False(t, IsPrivateIP(net.ParseIP(ip)), "%s should be public", ip)
	}
}

func TestIsPrivateIPv6(t *testing.T) {
	assert.True(t, IsPrivateIP(net.ParseIP("::1")))
	assert.True(t, IsPrivateIP(net.ParseIP("::")))
	assert.True(t, IsPrivateIP(net.ParseIP("fc00::1")))
	assert.True(t, IsPrivateIP(net.ParseIP("fd12:3456::1")))
	assert.True(t, IsPrivateIP(net.ParseIP("fe80::1")))
	assert.True(t, IsPrivateIP(net.ParseIP("::ffff:127.0.0.1")))
	assert.False(t, IsPrivateIP(net.ParseIP("2606:4700:4700::1111")))
}
