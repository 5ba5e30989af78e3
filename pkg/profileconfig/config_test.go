package profileconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleINI = `
[opp]
rfcomm_channel = 9
supported_formats = 0xFF,0x01

[pbap]
rfcomm_channel = 19
l2cap_psm = 0x1003
supported_repositories = 0x0F
supported_features = 0x0000001B
`

func writeTempINI(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_ParsesBothSections(t *testing.T) {
	cfg, err := Load(writeTempINI(t, sampleINI))
	require.NoError(t, err)

	assert.Equal(t, uint8(9), cfg.OPP.RFCOMMChannel)
	assert.False(t, cfg.OPP.HasL2CAPPSM)
	assert.Equal(t, []uint8{0xFF, 0x01}, cfg.OPP.SupportedFormats)

	assert.Equal(t, uint8(19), cfg.PBAP.RFCOMMChannel)
	assert.True(t, cfg.PBAP.HasL2CAPPSM)
	assert.Equal(t, uint16(0x1003), cfg.PBAP.L2CAPPSM)
	assert.Equal(t, uint8(0x0F), cfg.PBAP.SupportedRepositories)
	assert.Equal(t, uint32(0x0000001B), cfg.PBAP.SupportedFeatures)
}

func TestLoad_MissingSectionsUsesZeroValues(t *testing.T) {
	cfg, err := Load(writeTempINI(t, "\n"))
	require.NoError(t, err)
	assert.Equal(t, OPPConfig{}, cfg.OPP)
	assert.Equal(t, PBAPConfig{}, cfg.PBAP)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	assert.Error(t, err)
}

func TestDefault_ParsesEmbeddedConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, uint8(9), cfg.OPP.RFCOMMChannel)
	assert.NotEmpty(t, cfg.OPP.SupportedFormats)
	assert.Equal(t, uint8(19), cfg.PBAP.RFCOMMChannel)
	assert.NotZero(t, cfg.PBAP.SupportedRepositories)
	assert.NotZero(t, cfg.PBAP.SupportedFeatures)
}
