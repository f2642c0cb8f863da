package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	cases := []struct {
		name string
		ip   string
		want string
	}{
		{"ipv4 zeroes the host octet", "192.168.1.47", "192.168.1.0"},
		{"ipv4 already zeroed", "10.0.0.0", "10.0.0.0"},
		{"ipv6 keeps the /48 prefix", "2001:0db8:85a3:0000:0000:8a2e:0370:7334", "2001:0db8:85a3::"},
		{"empty is unknown", "", "unknown"},
		{"unknown sentinel passes through", "unknown", "unknown"},
		{"garbage is invalid", "not-an-ip", "invalid"},
		{"truncated ipv4 is invalid", "192.168.1", "invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AnonymizeIP(tc.ip))
		})
	}
}
