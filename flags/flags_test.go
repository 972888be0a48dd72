package flags

import (
	"testing"

	"gotest.tools/assert"
)

func TestParseServerArgs(t *testing.T) {
	f, err := ParseServerArgs([]string{"mcproxyd", "-config", "/etc/mcproxy.yaml", "-verbose", "-port", "9999"})
	assert.NilError(t, err)
	assert.Equal(t, f.ConfigPath, "/etc/mcproxy.yaml")
	assert.Assert(t, f.Verbose)
	assert.Equal(t, f.Port, 9999)
	assert.Equal(t, f.ServerURL, "")
}

func TestParseServerArgsBadFlag(t *testing.T) {
	_, err := ParseServerArgs([]string{"mcproxyd", "-no-such-flag"})
	assert.Assert(t, err != nil)
}

func TestParseScanArgs(t *testing.T) {
	f, err := ParseScanArgs([]string{"mcproxy-scan", "-redact"})
	assert.NilError(t, err)
	assert.Assert(t, f.Redact)
}
