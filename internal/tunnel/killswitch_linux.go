//go:build linux && !android

package tunnel

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// nftTableName scopes every kill switch rule to one table so removal never
// touches other firewall state.
const nftTableName = "friendgate"

// KillSwitch drops outbound traffic that would bypass the tunnel. It is
// equivalent to:
//
//	nft add table inet friendgate
//	nft add chain inet friendgate output { type filter hook output priority filter; }
//	nft add rule inet friendgate output oifname "lo" accept
//	nft add rule inet friendgate output oifname <tunnel> accept
//	nft add rule inet friendgate output meta mark 51820 accept
//	nft add rule inet friendgate output ip daddr <lan> accept
//	nft add rule inet friendgate output drop
//
// Packets from the tunnel's own sockets carry FwMark and pass.
//
// Requires CAP_NET_ADMIN.
type KillSwitch struct {
	log   *slog.Logger
	conn  *nftables.Conn
	table *nftables.Table
}

// NewKillSwitch creates a disabled KillSwitch.
func NewKillSwitch(logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	return &KillSwitch{log: logger.With("component", "killswitch")}
}

// Enable installs the rules for ifName. Destinations inside allow stay
// reachable off-tunnel.
func (k *KillSwitch) Enable(ifName string, allow []netip.Prefix) error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}
	k.conn = c

	// Drop a table left behind by a crashed run before building ours.
	c.DelTable(&nftables.Table{Family: nftables.TableFamilyINet, Name: nftTableName})
	_ = c.Flush()

	table := c.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   nftTableName,
	})
	k.table = table

	chain := c.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
	})

	for _, exprs := range killSwitchRules(ifName, FwMark, allow) {
		c.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
	}

	if err := c.Flush(); err != nil {
		return fmt.Errorf("applying nftables rules: %w", err)
	}

	k.log.Info("kill switch enabled", "table", nftTableName, "interface", ifName, "lan", len(allow))
	return nil
}

// Disable removes the table. Safe to call when Enable never ran.
func (k *KillSwitch) Disable() error {
	c := k.conn
	if c == nil {
		var err error
		c, err = nftables.New()
		if err != nil {
			return fmt.Errorf("connecting to nftables: %w", err)
		}
	}

	table := k.table
	if table == nil {
		table = &nftables.Table{Family: nftables.TableFamilyINet, Name: nftTableName}
	}
	c.DelTable(table)

	if err := c.Flush(); err != nil {
		k.log.Debug("nftables cleanup (table may not have existed)", "error", err)
		return nil
	}
	k.table = nil

	k.log.Info("kill switch disabled")
	return nil
}

// killSwitchRules returns the output chain rules in evaluation order. The
// last rule drops everything the earlier ones did not accept.
func killSwitchRules(ifName string, mark uint32, allow []netip.Prefix) [][]expr.Any {
	accept := &expr.Verdict{Kind: expr.VerdictAccept}

	rules := [][]expr.Any{
		{&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1}, cmpEq(ifname("lo")), accept},
		{&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1}, cmpEq(ifname(ifName)), accept},
		{&expr.Meta{Key: expr.MetaKeyMARK, Register: 1}, cmpEq(binaryutil.NativeEndian.PutUint32(mark)), accept},
	}
	for _, p := range allow {
		rules = append(rules, daddrRule(p, accept))
	}
	return append(rules, []expr.Any{&expr.Verdict{Kind: expr.VerdictDrop}})
}

// daddrRule matches the destination address against p. An inet table sees
// both families, so the rule first checks the packet's protocol.
func daddrRule(p netip.Prefix, verdict *expr.Verdict) []expr.Any {
	p = p.Masked()
	proto, offset := byte(unix.NFPROTO_IPV4), uint32(16)
	if p.Addr().Is6() {
		proto, offset = unix.NFPROTO_IPV6, 24
	}
	addr := p.Addr().AsSlice()
	mask := prefixMask(p.Bits(), len(addr))

	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		cmpEq([]byte{proto}),
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          uint32(len(addr)),
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            uint32(len(addr)),
			Mask:           mask,
			Xor:            make([]byte, len(addr)),
		},
		cmpEq(addr),
		verdict,
	}
}

func cmpEq(data []byte) *expr.Cmp {
	return &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: data}
}

// ifname pads name to IFNAMSIZ for comparison against oifname.
func ifname(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}

func prefixMask(bits, size int) []byte {
	m := make([]byte, size)
	for i := range m {
		switch {
		case bits >= 8:
			m[i] = 0xff
			bits -= 8
		case bits > 0:
			m[i] = byte(0xff << (8 - bits))
			bits = 0
		}
	}
	return m
}
