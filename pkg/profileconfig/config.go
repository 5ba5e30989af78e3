// Package profileconfig loads the static, per-profile ambient settings
// that spec.md treats as given rather than negotiated: supported OPP
// object formats, PBAP supported repositories/features, and the RFCOMM
// channel / L2CAP PSM to embed in SDP records. Grounded on the teacher's
// pkg/od/parser.go, which loads a CANopen EDS file with the same
// gopkg.in/ini.v1 library; here the file describes profile servers
// instead of an object dictionary. default.ini is embedded the way
// pkg/od/base.go embeds base.eds, giving callers (the demo commands) a
// ready-to-use Config without requiring an external file on disk.
package profileconfig

import (
	"embed"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

//go:embed default.ini
var defaultFS embed.FS

// OPPConfig is the static configuration of one Object Push Profile
// server instance.
type OPPConfig struct {
	RFCOMMChannel    uint8
	L2CAPPSM         uint16
	HasL2CAPPSM      bool
	SupportedFormats []uint8
}

// PBAPConfig is the static configuration of one Phonebook Access Profile
// server instance.
type PBAPConfig struct {
	RFCOMMChannel         uint8
	L2CAPPSM              uint16
	HasL2CAPPSM           bool
	SupportedRepositories uint8
	SupportedFeatures     uint32
}

// Config aggregates both profiles' settings as loaded from one INI file.
type Config struct {
	OPP  OPPConfig
	PBAP PBAPConfig
}

// Load parses an INI file with [opp] and [pbap] sections. Keys:
// rfcomm_channel, l2cap_psm (optional), supported_formats (comma-separated
// hex byte list, opp only), supported_repositories (hex byte mask, pbap
// only), supported_features (hex uint32 mask, pbap only).
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	return parse(f), nil
}

// Default returns the configuration embedded at build time
// (default.ini), for callers that have no per-deployment config file of
// their own. It panics on malformed embedded content, mirroring
// pkg/od.Default's treatment of its embedded base.eds: a broken build
// artifact is a programming error, not a runtime condition to recover
// from.
func Default() *Config {
	data, err := defaultFS.ReadFile("default.ini")
	if err != nil {
		panic(err)
	}
	f, err := ini.Load(data)
	if err != nil {
		panic(err)
	}
	return parse(f)
}

func parse(f *ini.File) *Config {
	cfg := &Config{}

	if sec, err := f.GetSection("opp"); err == nil {
		cfg.OPP.RFCOMMChannel = uint8(sec.Key("rfcomm_channel").MustUint(9))
		if sec.HasKey("l2cap_psm") {
			cfg.OPP.L2CAPPSM = uint16(sec.Key("l2cap_psm").MustUint(0))
			cfg.OPP.HasL2CAPPSM = true
		}
		cfg.OPP.SupportedFormats = parseHexList(sec.Key("supported_formats").String())
	}

	if sec, err := f.GetSection("pbap"); err == nil {
		cfg.PBAP.RFCOMMChannel = uint8(sec.Key("rfcomm_channel").MustUint(19))
		if sec.HasKey("l2cap_psm") {
			cfg.PBAP.L2CAPPSM = uint16(sec.Key("l2cap_psm").MustUint(0))
			cfg.PBAP.HasL2CAPPSM = true
		}
		cfg.PBAP.SupportedRepositories = uint8(parseHex(sec.Key("supported_repositories").MustString("0x01")))
		cfg.PBAP.SupportedFeatures = uint32(parseHex(sec.Key("supported_features").MustString("0x0000001B")))
	}

	return cfg
}

func parseHex(s string) uint64 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	v, _ := strconv.ParseUint(s, 16, 64)
	return v
}

func parseHexList(s string) []uint8 {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint8, 0, len(parts))
	for _, p := range parts {
		out = append(out, uint8(parseHex(p)))
	}
	return out
}
