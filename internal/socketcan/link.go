//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// SetLinkUp brings iface administratively up over rtnetlink (needs CAP_NET_ADMIN).
func SetLinkUp(iface string) error { return setLink(iface, unix.IFF_UP) }

// SetLinkDown brings iface down.
func SetLinkDown(iface string) error { return setLink(iface, 0) }

func setLink(iface string, flags uint32) error {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("if %q: %w", iface, err)
	}
	c, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{})
	if err != nil {
		return fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer c.Close()

	req := netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_NEWLINK,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: marshalIfInfo(int32(ifi.Index), flags, unix.IFF_UP),
	}
	if _, err := c.Execute(req); err != nil {
		return fmt.Errorf("set link %s flags=0x%x: %w", iface, flags, err)
	}
	return nil
}

// marshalIfInfo encodes struct ifinfomsg with AF_UNSPEC and no attributes.
func marshalIfInfo(index int32, flags, change uint32) []byte {
	b := make([]byte, 0, unix.SizeofIfInfomsg)
	b = append(b, unix.AF_UNSPEC, 0)
	b = binary.NativeEndian.AppendUint16(b, 0) // ifi_type
	b = binary.NativeEndian.AppendUint32(b, uint32(index))
	b = binary.NativeEndian.AppendUint32(b, flags)
	return binary.NativeEndian.AppendUint32(b, change)
}
