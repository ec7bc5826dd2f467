// Package config parses the avrdude-style xbeeboot port specification and
// an optional JSON5 defaults file, producing the settings the session
// controller needs to open a link.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/flynn/json5"

	"github.com/davidsainty/xbeeboot/internal/xbeeproto"
)

// DefaultResetPin is used when neither the port spec nor a defaults file
// names one.
const DefaultResetPin = 3

// ForbiddenResetPin is wired to the XBee's own serial RX/TX pair on every
// known module and can never be repurposed as a reset line.
const ForbiddenResetPin = 7

const (
	DefaultDirectBaud = 19200
	DefaultOTABaud    = 9600
)

// Settings is the fully resolved configuration for one session, after
// applying port-spec parameters over a defaults file over built-in
// defaults.
type Settings struct {
	Device     string
	Address    xbeeproto.Address
	DirectMode bool
	Baud       int
	ResetPin   int
	RedisAddr  string // empty disables persistent route caching
}

// Defaults is the subset of Settings that may be supplied by a JSON5
// defaults file, so a deployment can avoid repeating xbeeresetpin= and
// baud= on every invocation.
type Defaults struct {
	Baud      *int    `json:"baud"`
	ResetPin  *int    `json:"xbeeresetpin"`
	RedisAddr *string `json:"redis"`
}

// LoadDefaults reads and parses a JSON5 defaults file. A missing file is
// not an error -- it simply means "use built-in defaults" -- any other
// read or parse failure is.
func LoadDefaults(path string) (Defaults, error) {
	if path == "" {
		return Defaults{}, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Defaults{}, nil
	}
	if err != nil {
		return Defaults{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var d Defaults
	if err := json5.Unmarshal(raw, &d); err != nil {
		return Defaults{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return d, nil
}

// ParsePort parses an avrdude-style port spec:
//
//	<16-hex-digit-ieee-address>@<serial-device>[:xbeeresetpin=<1-7>]
//
// The address is optional: a bare serial device, or one with nothing
// before the '@', selects direct mode (avrdude talking straight to an
// attached bootloader with no XBee in between); a 16-hex-digit IEEE
// address before the '@' selects OTA mode against that target.
func ParsePort(spec string, d Defaults) (Settings, error) {
	s := Settings{
		Baud:     DefaultDirectBaud,
		ResetPin: DefaultResetPin,
	}
	if d.Baud != nil {
		s.Baud = *d.Baud
	}
	if d.ResetPin != nil {
		s.ResetPin = *d.ResetPin
	}
	if d.RedisAddr != nil {
		s.RedisAddr = *d.RedisAddr
	}

	rest := spec
	if idx := strings.IndexByte(spec, '@'); idx >= 0 {
		addrHex := spec[:idx]
		rest = spec[idx+1:]
		if addrHex == "" {
			s.DirectMode = true
		} else {
			addr, err := parseIEEEAddress(addrHex)
			if err != nil {
				return Settings{}, fmt.Errorf("config: %q: %w", spec, err)
			}
			s.Address = addr
			s.DirectMode = false
			s.Baud = DefaultOTABaud
			if d.Baud != nil {
				s.Baud = *d.Baud
			}
		}
	} else {
		s.DirectMode = true
	}

	parts := strings.Split(rest, ":")
	s.Device = parts[0]
	if s.Device == "" {
		return Settings{}, fmt.Errorf("config: %q: missing serial device", spec)
	}

	for _, param := range parts[1:] {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) != 2 {
			return Settings{}, fmt.Errorf("config: %q: malformed parameter %q", spec, param)
		}
		switch kv[0] {
		case "xbeeresetpin":
			pin, err := strconv.Atoi(kv[1])
			if err != nil {
				return Settings{}, fmt.Errorf("config: %q: invalid xbeeresetpin %q", spec, kv[1])
			}
			if pin < 1 || pin > ForbiddenResetPin {
				return Settings{}, fmt.Errorf("config: %q: xbeeresetpin must be 1-7", spec)
			}
			if pin == ForbiddenResetPin {
				return Settings{}, fmt.Errorf("config: %q: xbeeresetpin 7 is reserved for the serial pair", spec)
			}
			s.ResetPin = pin
		default:
			return Settings{}, fmt.Errorf("config: %q: unknown parameter %q", spec, kv[0])
		}
	}

	return s, nil
}

func parseIEEEAddress(hexStr string) (xbeeproto.Address, error) {
	if len(hexStr) != 16 {
		return xbeeproto.Address{}, fmt.Errorf("address %q must be exactly 16 hex digits", hexStr)
	}
	var raw [8]byte
	for i := 0; i < 8; i++ {
		b, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			return xbeeproto.Address{}, fmt.Errorf("address %q: %w", hexStr, err)
		}
		raw[i] = byte(b)
	}
	return xbeeproto.NewAddress(raw), nil
}
