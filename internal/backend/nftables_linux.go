//go:build linux
// +build linux

package backend

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"

	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/rule"
)

const (
	nftTable    = "palisade"
	nftChainIn  = "policy-in"
	nftChainFwd = "policy-fwd"

	nftSetVerified4    = "verified4"
	nftSetVerified6    = "verified6"
	nftSetCompromised4 = "compromised4"
	nftSetCompromised6 = "compromised6"

	nftPersistPath = "/etc/nftables.conf"

	// nfproto values for meta nfproto matching in the inet table
	nfprotoIPv4 = 2
	nfprotoIPv6 = 10

	// IPv4/IPv6 header offsets for address payload loads
	ipv4SrcOffset = 12
	ipv4DstOffset = 16
	ipv6SrcOffset = 8
	ipv6DstOffset = 24

	// reject with icmpx port-unreachable (inet family)
	nftRejectICMPXUnreach    = 2
	nftRejectCodePortUnreach = 1
)

// NFTables drives the kernel directly over netlink using an inet
// table, so one ruleset covers both address families. Policy rules
// live in regular chains jumped to from the base chains; the base
// chains carry the baseline (loopback, conntrack, quarantine, drop
// logging) so appended policy rules never shadow it.
type NFTables struct {
	runner CommandRunner
	logger *logging.Logger

	mu     sync.Mutex
	conn   NFTablesConn
	table  *nftables.Table
	chains map[string]*nftables.Chain
	sets   map[string]*nftables.Set
}

// NewNFTables creates the nftables adapter with a real netlink
// connection.
func NewNFTables(runner CommandRunner, logger *logging.Logger) *NFTables {
	return NewNFTablesWithConn(NewRealNFTablesConn(&nftables.Conn{}), runner, logger)
}

// NewNFTablesWithConn creates the adapter with an injected connection.
func NewNFTablesWithConn(conn NFTablesConn, runner CommandRunner, logger *logging.Logger) *NFTables {
	return &NFTables{
		runner: runner,
		logger: logger.WithComponent("nftables"),
		conn:   conn,
		chains: make(map[string]*nftables.Chain),
		sets:   make(map[string]*nftables.Set),
	}
}

// Name returns "nftables".
func (n *NFTables) Name() string { return "nftables" }

// Available reports whether the kernel answers nftables netlink
// requests.
func (n *NFTables) Available() bool {
	if _, err := n.conn.ListTables(); err != nil {
		return false
	}
	return true
}

// Initialize replaces any previous palisade table with a fresh one:
// base chains with drop policy inbound and forward, accept outbound,
// loopback and established-connection accepts, trust sets, quarantine
// lookups and a trailing log for everything the drop policy will eat.
func (n *NFTables) Initialize(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	tables, err := n.conn.ListTables()
	if err != nil {
		return fmt.Errorf("nftables list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == nftTable && t.Family == nftables.TableFamilyINet {
			n.conn.DelTable(t)
		}
	}

	n.table = n.conn.AddTable(&nftables.Table{
		Name:   nftTable,
		Family: nftables.TableFamilyINet,
	})

	if err := n.createSets(); err != nil {
		return err
	}

	drop := nftables.ChainPolicyDrop
	accept := nftables.ChainPolicyAccept

	input := n.conn.AddChain(&nftables.Chain{
		Name:     "input",
		Table:    n.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &drop,
	})
	forward := n.conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    n.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &drop,
	})
	output := n.conn.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    n.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &accept,
	})
	policyIn := n.conn.AddChain(&nftables.Chain{Name: nftChainIn, Table: n.table})
	policyFwd := n.conn.AddChain(&nftables.Chain{Name: nftChainFwd, Table: n.table})

	n.chains["input"] = input
	n.chains["forward"] = forward
	n.chains["output"] = output
	n.chains[nftChainIn] = policyIn
	n.chains[nftChainFwd] = policyFwd

	// input baseline
	n.addRule(input, loopbackAccept())
	n.addRule(input, ctEstablishedAccept())
	n.addRule(input, jumpTo(nftChainIn))
	n.addRule(input, logExprs("palisade-drop: "))

	// forward baseline
	n.addRule(forward, ctEstablishedAccept())
	n.addRule(forward, jumpTo(nftChainFwd))
	n.addRule(forward, logExprs("palisade-fwd-drop: "))

	// Quarantine lookups sit at the chain head so compromised hosts
	// are dropped even on established connections.
	for _, chain := range []*nftables.Chain{input, forward} {
		n.insertRule(chain, n.setLookupDrop(nftSetCompromised6, nfprotoIPv6, ipv6SrcOffset, 16))
		n.insertRule(chain, n.setLookupDrop(nftSetCompromised4, nfprotoIPv4, ipv4SrcOffset, 4))
	}

	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("nftables initialize: %w", err)
	}
	n.logger.Info("baseline installed", "table", nftTable)
	return nil
}

func (n *NFTables) createSets() error {
	specs := []struct {
		name    string
		keyType nftables.SetDatatype
	}{
		{nftSetVerified4, nftables.TypeIPAddr},
		{nftSetVerified6, nftables.TypeIP6Addr},
		{nftSetCompromised4, nftables.TypeIPAddr},
		{nftSetCompromised6, nftables.TypeIP6Addr},
	}
	for _, s := range specs {
		set := &nftables.Set{
			Name:    s.name,
			Table:   n.table,
			KeyType: s.keyType,
		}
		if err := n.conn.AddSet(set, nil); err != nil {
			return fmt.Errorf("nftables add set %s: %w", s.name, err)
		}
		n.sets[s.name] = set
	}
	return nil
}

func (n *NFTables) addRule(chain *nftables.Chain, exprs []expr.Any) {
	n.conn.AddRule(&nftables.Rule{
		Table: n.table,
		Chain: chain,
		Exprs: exprs,
	})
}

func (n *NFTables) insertRule(chain *nftables.Chain, exprs []expr.Any) {
	n.conn.InsertRule(&nftables.Rule{
		Table: n.table,
		Chain: chain,
		Exprs: exprs,
	})
}

// ApplyRule translates one rule into nftables expressions, once per
// address family it spans.
func (n *NFTables) ApplyRule(ctx context.Context, r rule.Rule) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.table == nil {
		return fmt.Errorf("rule %q: backend not initialized", r.Name)
	}

	v4, v6, err := families(&r)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}

	var chain *nftables.Chain
	switch r.Direction {
	case rule.DirectionIn:
		chain = n.chains[nftChainIn]
	case rule.DirectionForward:
		chain = n.chains[nftChainFwd]
	case rule.DirectionOut:
		chain = n.chains["output"]
	default:
		return fmt.Errorf("rule %q: direction %q not supported", r.Name, r.Direction)
	}

	if v4 {
		exprs, err := n.translate(&r, rule.FamilyIPv4)
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		n.addRule(chain, exprs)
	}
	if v6 {
		exprs, err := n.translate(&r, rule.FamilyIPv6)
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		n.addRule(chain, exprs)
	}

	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	n.logger.Debug("rule applied", "rule", r.Name, "chain", chain.Name, "ipv4", v4, "ipv6", v6)
	return nil
}

// translate builds the expression list for one family. Expression
// order matters: meta guards first, then payload matches, then the
// verdict.
func (n *NFTables) translate(r *rule.Rule, fam rule.Family) ([]expr.Any, error) {
	var exprs []expr.Any

	nfproto := byte(nfprotoIPv4)
	if fam == rule.FamilyIPv6 {
		nfproto = nfprotoIPv6
	}
	exprs = append(exprs,
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto}},
	)

	if r.Interface != "" {
		key := expr.MetaKeyIIFNAME
		if r.Direction == rule.DirectionOut {
			key = expr.MetaKeyOIFNAME
		}
		exprs = append(exprs,
			&expr.Meta{Key: key, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(r.Interface)},
		)
	}

	proto := r.NormalProtocol()
	if proto != "any" {
		num, err := protoNumber(proto, fam)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{num}},
		)
	}

	if !rule.IsAnyAddr(r.Source) {
		m, err := addrMatch(r.Source, fam, true)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, m...)
	}
	if !rule.IsAnyAddr(r.Destination) {
		m, err := addrMatch(r.Destination, fam, false)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, m...)
	}

	if r.Port != "" {
		if proto != "tcp" && proto != "udp" {
			return nil, fmt.Errorf("port match requires tcp or udp, got %q", proto)
		}
		pr, err := rule.ParsePortRange(r.Port)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, portMatch(pr)...)
	}

	exprs = append(exprs, &expr.Counter{})

	switch r.Action {
	case rule.ActionAllow:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
	case rule.ActionDeny:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
	case rule.ActionReject:
		exprs = append(exprs, &expr.Reject{
			Type: nftRejectICMPXUnreach,
			Code: nftRejectCodePortUnreach,
		})
	case rule.ActionLog:
		// Log and fall through; the base chain's trailing log plus
		// drop policy decides the packet's fate.
		exprs = append(exprs, &expr.Log{
			Key:  1,
			Data: []byte("palisade " + r.Name + ": "),
		})
	default:
		return nil, fmt.Errorf("action %q not supported", r.Action)
	}

	return exprs, nil
}

// addrMatch loads the source or destination address, masks it and
// compares with the network address.
func addrMatch(cidr string, fam rule.Family, isSrc bool) ([]expr.Any, error) {
	prefix, err := rule.ParsePrefix(cidr)
	if err != nil {
		return nil, err
	}
	if af, _ := rule.AddrFamily(cidr); af != fam {
		return nil, fmt.Errorf("address %s is not %s", cidr, fam)
	}

	var offset, length uint32
	if fam == rule.FamilyIPv6 {
		length = 16
		offset = ipv6SrcOffset
		if !isSrc {
			offset = ipv6DstOffset
		}
	} else {
		length = 4
		offset = ipv4SrcOffset
		if !isSrc {
			offset = ipv4DstOffset
		}
	}

	exprs := []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
	}

	mask := net.CIDRMask(prefix.Bits(), int(length)*8)
	if ones, bits := mask.Size(); ones < bits {
		exprs = append(exprs, &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            length,
			Mask:           mask,
			Xor:            make([]byte, length),
		})
	}

	var target []byte
	if fam == rule.FamilyIPv6 {
		a := prefix.Addr().As16()
		target = a[:]
	} else {
		a := prefix.Addr().As4()
		target = a[:]
	}

	exprs = append(exprs, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: target})
	return exprs, nil
}

// portMatch compares the transport destination port, as an equality
// for single ports and a gte/lte pair for ranges.
func portMatch(pr rule.PortRange) []expr.Any {
	exprs := []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2,
			Len:          2,
		},
	}
	if pr.Lo == pr.Hi {
		exprs = append(exprs, &expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(uint16(pr.Lo)),
		})
		return exprs
	}
	exprs = append(exprs,
		&expr.Cmp{Op: expr.CmpOpGte, Register: 1, Data: binaryutil.BigEndian.PutUint16(uint16(pr.Lo))},
		&expr.Cmp{Op: expr.CmpOpLte, Register: 1, Data: binaryutil.BigEndian.PutUint16(uint16(pr.Hi))},
	)
	return exprs
}

func protoNumber(proto string, fam rule.Family) (byte, error) {
	switch proto {
	case "tcp":
		return 6, nil
	case "udp":
		return 17, nil
	case "icmp":
		if fam == rule.FamilyIPv6 {
			return 58, nil
		}
		return 1, nil
	case "icmpv6":
		return 58, nil
	}
	return 0, fmt.Errorf("protocol %q not supported", proto)
}

func loopbackAccept() []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname("lo")},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func ctEstablishedAccept() []expr.Any {
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func (n *NFTables) setLookupDrop(setName string, nfproto byte, offset, length uint32) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Lookup{SourceRegister: 1, SetName: setName},
		&expr.Counter{},
		&expr.Log{Key: 1, Data: []byte("palisade-quarantine: ")},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

func jumpTo(chain string) []expr.Any {
	return []expr.Any{
		&expr.Verdict{Kind: expr.VerdictJump, Chain: chain},
	}
}

func logExprs(prefix string) []expr.Any {
	return []expr.Any{
		&expr.Counter{},
		&expr.Log{Key: 1, Data: []byte(prefix)},
	}
}

func ifname(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	return b
}

// Enable persists the live ruleset so it survives a reboot and turns
// the nftables unit on at boot.
func (n *NFTables) Enable(ctx context.Context) error {
	out, err := n.runner.Output("nft", "list", "ruleset")
	if err != nil {
		return fmt.Errorf("nftables dump ruleset: %w", err)
	}
	content := "#!/usr/sbin/nft -f\nflush ruleset\n\n" + string(out)
	if err := os.WriteFile(nftPersistPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("nftables persist: %w", err)
	}
	if err := n.runner.Run("systemctl", "enable", "nftables"); err != nil {
		return fmt.Errorf("nftables enable at boot: %w", err)
	}
	return nil
}

// Status re-reads kernel state through netlink.
func (n *NFTables) Status(ctx context.Context) (Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var st Status

	tables, err := n.conn.ListTables()
	if err != nil {
		return st, fmt.Errorf("nftables list tables: %w", err)
	}
	var table *nftables.Table
	for _, t := range tables {
		if t.Name == nftTable && t.Family == nftables.TableFamilyINet {
			table = t
			break
		}
	}
	if table == nil {
		return st, nil
	}
	st.Enabled = true

	chains, err := n.conn.ListChains()
	if err != nil {
		return st, fmt.Errorf("nftables list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table == nil || c.Table.Name != nftTable {
			continue
		}
		if c.Name == "input" && c.Policy != nil {
			st.DefaultDenyInbound = *c.Policy == nftables.ChainPolicyDrop
			// Initialize always installs the trailing log rule
			// alongside the drop policy.
			st.LoggingEnabled = st.DefaultDenyInbound
		}
		if c.Name == nftChainIn || c.Name == nftChainFwd {
			rules, err := n.conn.GetRules(table, c)
			if err != nil {
				return st, fmt.Errorf("nftables rules of %s: %w", c.Name, err)
			}
			st.RuleCount += len(rules)
		}
	}

	return st, nil
}

// AddVerifiedHost adds the address to the family-matched verified set.
func (n *NFTables) AddVerifiedHost(ctx context.Context, addr string) error {
	return n.setOp(addr, nftSetVerified4, nftSetVerified6, true)
}

// RemoveVerifiedHost removes the address from the verified set.
func (n *NFTables) RemoveVerifiedHost(ctx context.Context, addr string) error {
	return n.setOp(addr, nftSetVerified4, nftSetVerified6, false)
}

// AddCompromisedHost adds the address to the compromised set so the
// quarantine lookup drops its traffic.
func (n *NFTables) AddCompromisedHost(ctx context.Context, addr string) error {
	return n.setOp(addr, nftSetCompromised4, nftSetCompromised6, true)
}

func (n *NFTables) setOp(addr, set4, set6 string, add bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	fam, err := rule.AddrFamily(addr)
	if err != nil {
		return fmt.Errorf("trust set: %w", err)
	}
	prefix, err := rule.ParsePrefix(addr)
	if err != nil {
		return fmt.Errorf("trust set: %w", err)
	}

	name := set4
	var key []byte
	if fam == rule.FamilyIPv6 {
		name = set6
		a := prefix.Addr().As16()
		key = a[:]
	} else {
		a := prefix.Addr().As4()
		key = a[:]
	}
	set, ok := n.sets[name]
	if !ok {
		return fmt.Errorf("trust set %s: backend not initialized", name)
	}

	elems := []nftables.SetElement{{Key: key}}
	if add {
		err = n.conn.SetAddElements(set, elems)
	} else {
		err = n.conn.SetDeleteElements(set, elems)
	}
	if err != nil {
		return fmt.Errorf("trust set %s: %w", name, err)
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("trust set %s: %w", name, err)
	}
	return nil
}

// TrustSets lists the current set members.
func (n *NFTables) TrustSets(ctx context.Context) (TrustSets, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var sets TrustSets
	read := func(name string) ([]string, error) {
		set, ok := n.sets[name]
		if !ok {
			return nil, nil
		}
		elems, err := n.conn.GetSetElements(set)
		if err != nil {
			return nil, fmt.Errorf("set %s elements: %w", name, err)
		}
		addrs := make([]string, 0, len(elems))
		for _, e := range elems {
			addrs = append(addrs, net.IP(e.Key).String())
		}
		return addrs, nil
	}

	for _, name := range []string{nftSetVerified4, nftSetVerified6} {
		addrs, err := read(name)
		if err != nil {
			return sets, err
		}
		sets.Verified = append(sets.Verified, addrs...)
	}
	for _, name := range []string{nftSetCompromised4, nftSetCompromised6} {
		addrs, err := read(name)
		if err != nil {
			return sets, err
		}
		sets.Compromised = append(sets.Compromised, addrs...)
	}
	return sets, nil
}
