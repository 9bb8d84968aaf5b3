package discovery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortFromAddr(t *testing.T) {
	for addr, want := range map[string]int{
		":8081":          8081,
		"0.0.0.0:9000":   9000,
		"[::1]:443":      443,
		"localhost:6060": 6060,
	} {
		got, err := portFromAddr(addr)
		require.NoError(t, err, addr)
		assert.Equal(t, want, got, addr)
	}
	for _, addr := range []string{"", "8081", ":http", ":0", ":70000"} {
		_, err := portFromAddr(addr)
		assert.Error(t, err, addr)
	}
}

func TestDefaultInstance(t *testing.T) {
	assert.True(t, strings.HasPrefix(defaultInstance(), "CollabText-"))
}

func TestAdvertiseRejectsBadAddr(t *testing.T) {
	_, err := Advertise(Options{Addr: "nope"})
	assert.Error(t, err)
}
