//go:build linux && !android

package tunnel

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Raw rtnetlink requests. Each call opens a short-lived NETLINK_ROUTE
// socket, sends one request with NLM_F_ACK and waits for the ack.

const (
	nlmsgHdrLen   = 16
	ifaddrmsgLen  = 8
	ifinfomsgLen  = 16
	rtmsgLen      = 12
	fibRuleHdrLen = 12
	rtaHdrLen     = 4

	// linux/fib_rules.h
	fraPriority          = 6
	fraFwmark            = 10
	fraSuppressPrefixlen = 14
	fraTable             = 15
	fibRuleInvert        = 0x2
	frActToTbl           = 1
)

// nlmsg builds a netlink message: header, fixed payload, attributes.
type nlmsg struct {
	buf []byte
}

func newNlmsg(typ, flags uint16, payload []byte) *nlmsg {
	m := &nlmsg{buf: make([]byte, nlmsgHdrLen, nlmsgHdrLen+len(payload)+64)}
	binary.LittleEndian.PutUint16(m.buf[4:6], typ)
	binary.LittleEndian.PutUint16(m.buf[6:8], flags)
	binary.LittleEndian.PutUint32(m.buf[8:12], 1) // seq
	m.buf = append(m.buf, payload...)
	return m
}

func (m *nlmsg) attr(typ uint16, data []byte) {
	hdr := make([]byte, rtaHdrLen)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(rtaHdrLen+len(data)))
	binary.LittleEndian.PutUint16(hdr[2:4], typ)
	m.buf = append(m.buf, hdr...)
	m.buf = append(m.buf, data...)
	for len(m.buf)%4 != 0 {
		m.buf = append(m.buf, 0)
	}
}

func (m *nlmsg) attrU32(typ uint16, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.attr(typ, b[:])
}

func (m *nlmsg) bytes() []byte {
	binary.LittleEndian.PutUint32(m.buf[0:4], uint32(len(m.buf)))
	return m.buf
}

func family(a netip.Addr) uint8 {
	if a.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// buildAddrMsg constructs RTM_NEWADDR for prefix on ifIndex.
func buildAddrMsg(ifIndex int32, prefix netip.Prefix) []byte {
	payload := make([]byte, ifaddrmsgLen)
	payload[0] = family(prefix.Addr())
	payload[1] = uint8(prefix.Bits())
	payload[3] = unix.RT_SCOPE_UNIVERSE
	binary.LittleEndian.PutUint32(payload[4:8], uint32(ifIndex))

	m := newNlmsg(unix.RTM_NEWADDR, unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL, payload)
	addr := prefix.Addr().AsSlice()
	m.attr(unix.IFA_LOCAL, addr)
	m.attr(unix.IFA_ADDRESS, addr)
	return m.bytes()
}

// buildLinkUpMsg constructs RTM_NEWLINK setting IFF_UP on ifIndex.
func buildLinkUpMsg(ifIndex int32) []byte {
	payload := make([]byte, ifinfomsgLen)
	payload[0] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(payload[4:8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(payload[8:12], unix.IFF_UP)
	binary.LittleEndian.PutUint32(payload[12:16], unix.IFF_UP)
	return newNlmsg(unix.RTM_NEWLINK, unix.NLM_F_REQUEST|unix.NLM_F_ACK, payload).bytes()
}

// buildRouteMsg constructs RTM_NEWROUTE or RTM_DELROUTE for dst via ifIndex
// in the given routing table.
func buildRouteMsg(msgType uint16, ifIndex int32, dst netip.Prefix, table uint32) []byte {
	flags := uint16(unix.NLM_F_REQUEST | unix.NLM_F_ACK)
	if msgType == unix.RTM_NEWROUTE {
		flags |= unix.NLM_F_CREATE | unix.NLM_F_EXCL
	}

	payload := make([]byte, rtmsgLen)
	payload[0] = family(dst.Addr())
	payload[1] = uint8(dst.Bits())
	if table < 256 {
		payload[4] = uint8(table)
	}
	payload[5] = unix.RTPROT_BOOT
	payload[6] = unix.RT_SCOPE_LINK
	payload[7] = unix.RTN_UNICAST

	m := newNlmsg(msgType, flags, payload)
	m.attr(unix.RTA_DST, dst.Masked().Addr().AsSlice())
	m.attrU32(unix.RTA_OIF, uint32(ifIndex))
	m.attrU32(unix.RTA_TABLE, table)
	return m.bytes()
}

// rule is one policy routing rule in the style of wg-quick:
//
//	ip rule add not fwmark <mark> table <table>
//	ip rule add table main suppress_prefixlength 0
type rule struct {
	family   uint8
	table    uint32
	fwmark   uint32
	invert   bool
	suppress bool
	priority uint32
}

func buildRuleMsg(msgType uint16, r rule) []byte {
	flags := uint16(unix.NLM_F_REQUEST | unix.NLM_F_ACK)
	if msgType == unix.RTM_NEWRULE {
		flags |= unix.NLM_F_CREATE | unix.NLM_F_EXCL
	}

	payload := make([]byte, fibRuleHdrLen)
	payload[0] = r.family
	if r.table < 256 {
		payload[4] = uint8(r.table)
	}
	payload[7] = frActToTbl
	if r.invert {
		binary.LittleEndian.PutUint32(payload[8:12], fibRuleInvert)
	}

	m := newNlmsg(msgType, flags, payload)
	m.attrU32(fraTable, r.table)
	if r.priority != 0 {
		m.attrU32(fraPriority, r.priority)
	}
	if r.fwmark != 0 {
		m.attrU32(fraFwmark, r.fwmark)
	}
	if r.suppress {
		m.attrU32(fraSuppressPrefixlen, 0)
	}
	return m.bytes()
}

// netlinkRequest sends msg and waits for the kernel's ack.
func netlinkRequest(msg []byte) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("creating netlink socket: %w", err)
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("binding netlink socket: %w", err)
	}
	if err := unix.Sendto(fd, msg, 0, sa); err != nil {
		return fmt.Errorf("sending netlink request: %w", err)
	}
	return readAck(fd)
}

func readAck(fd int) error {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("reading netlink response: %w", err)
	}
	return parseAck(buf[:n])
}

// parseAck returns the errno carried by an NLMSG_ERROR message, or nil.
func parseAck(b []byte) error {
	if len(b) < nlmsgHdrLen {
		return fmt.Errorf("netlink response too short: %d bytes", len(b))
	}
	if binary.LittleEndian.Uint16(b[4:6]) != unix.NLMSG_ERROR {
		return nil
	}
	if len(b) < nlmsgHdrLen+4 {
		return fmt.Errorf("truncated netlink error")
	}
	errno := int32(binary.LittleEndian.Uint32(b[nlmsgHdrLen : nlmsgHdrLen+4]))
	if errno == 0 {
		return nil
	}
	return unix.Errno(-errno)
}

func interfaceIndex(name string) (int32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	return int32(iface.Index), nil
}

// addAddress is `ip addr add <prefix> dev <ifName>`.
func addAddress(ifIndex int32, prefix netip.Prefix) error {
	if err := netlinkRequest(buildAddrMsg(ifIndex, prefix)); err != nil {
		return fmt.Errorf("adding address %s: %w", prefix, err)
	}
	return nil
}

// setLinkUp is `ip link set <ifName> up`.
func setLinkUp(ifIndex int32) error {
	if err := netlinkRequest(buildLinkUpMsg(ifIndex)); err != nil {
		return fmt.Errorf("setting link up: %w", err)
	}
	return nil
}

// addRoute is `ip route add <dst> dev <ifName> table <table>`.
func addRoute(ifIndex int32, dst netip.Prefix, table uint32) error {
	if err := netlinkRequest(buildRouteMsg(unix.RTM_NEWROUTE, ifIndex, dst, table)); err != nil {
		return fmt.Errorf("adding route %s: %w", dst, err)
	}
	return nil
}

func addRule(r rule) error {
	if err := netlinkRequest(buildRuleMsg(unix.RTM_NEWRULE, r)); err != nil {
		return fmt.Errorf("adding rule to table %d: %w", r.table, err)
	}
	return nil
}

func delRule(r rule) error {
	if err := netlinkRequest(buildRuleMsg(unix.RTM_DELRULE, r)); err != nil {
		return fmt.Errorf("removing rule for table %d: %w", r.table, err)
	}
	return nil
}
