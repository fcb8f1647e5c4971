package wireguard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
)

func TestBuildUAPIConfig_ContainsRequiredKeys(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}
	var pub apitypes.WgPubkey
	for i := range pub {
		pub[i] = byte(255 - i)
	}

	cfg, err := buildUAPIConfig(secret, pub, "203.0.113.1:51820")
	assert.NoError(t, err)

	for _, want := range []string{
		"private_key=",
		"public_key=",
		"endpoint=203.0.113.1:51820",
		"allowed_ip=0.0.0.0/0",
		"allowed_ip=::/0",
		"persistent_keepalive_interval=0",
	} {
		assert.True(t, strings.Contains(cfg, want), "expected config to contain %q, got:\n%s", want, cfg)
	}
}

func TestChannelTUN_WriteThenRead(t *testing.T) {
	tunDev := newChannelTUN()
	defer tunDev.Close()

	pkt := []byte{1, 2, 3, 4}
	go func() {
		_, _ = tunDev.Write([][]byte{pkt}, 0)
	}()

	got := <-tunDev.outbound
	assert.Equal(t, pkt, got)
}
