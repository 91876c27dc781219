// Package bluez implements connmgr.Adapter on top of BlueZ.
//
// The secure stage goes through the BlueZ profile API over D-Bus
// (ProfileManager1.RegisterProfile, Device1.ConnectProfile); the file
// descriptor arrives on our exported Profile1.NewConnection. The raw-channel
// and insecure stages open RFCOMM sockets directly, the latter after an SDP
// lookup of the service's channel.
package bluez

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bluetooth-serial/internal/connmgr"
)

// Options configures Open.
type Options struct {
	// AdapterName selects the local adapter, e.g. "hci0". Empty picks the
	// first one BlueZ reports.
	AdapterName string
	// ServiceUUID is the service class to connect to; defaults to SPP.
	ServiceUUID string
	// FilterSPP makes discovery report only devices advertising ServiceUUID.
	FilterSPP bool
	Logger    *zap.Logger
}

func (o *Options) normalize() error {
	if o.ServiceUUID == "" {
		o.ServiceUUID = connmgr.SPPUUID
	}
	u, err := uuid.Parse(o.ServiceUUID)
	if err != nil {
		return fmt.Errorf("bluez: service uuid %q: %w", o.ServiceUUID, err)
	}
	o.ServiceUUID = u.String()
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

// parseBDAddr parses a colon separated device address in display order.
func parseBDAddr(s string) ([6]byte, error) {
	var b [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return b, fmt.Errorf("%w: %s", connmgr.ErrUnknownPeer, err)
	}
	if len(hw) != 6 {
		return b, fmt.Errorf("%w: %q is not a 48-bit address", connmgr.ErrUnknownPeer, s)
	}
	copy(b[:], hw)
	return b, nil
}

// kernelBDAddr returns addr in the little-endian order the kernel keeps in
// sockaddr_rc.
func kernelBDAddr(addr [6]byte) [6]byte {
	var b [6]byte
	for i := 0; i < 6; i++ {
		b[i] = addr[5-i]
	}
	return b
}

// macFromPath extracts the address from a BlueZ device object path
// (.../dev_XX_XX_XX_XX_XX_XX).
func macFromPath(p string) string {
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}

// devicePath is the object path BlueZ gives the device with address mac.
func devicePath(adapterPath, mac string) string {
	return adapterPath + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}
