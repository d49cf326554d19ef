package policy

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Node properties listing addresses as "host|ip host|ip ...".
const (
	IPv4AddressesProperty = "ipv4.addresses"
	IPv6AddressesProperty = "ipv6.addresses"
)

// SubnetRule accepts nodes with at least one advertised address inside one
// of its subnets. Subnets are CIDR blocks or patterns with per component
// ranges and wildcards ("192.168.1-10.*", "fe80:0:0:0:*"). A ${...}
// subnet is resolved for the first node evaluated and kept for the others.
type SubnetRule struct {
	node
	v6      bool
	subnets []*Expression

	once  sync.Once
	masks []*netmask
	err   error
}

func IsInIPv4Subnet(subnets ...string) *SubnetRule {
	return newSubnetRule(false, subnets)
}

func IsInIPv6Subnet(subnets ...string) *SubnetRule {
	return newSubnetRule(true, subnets)
}

func newSubnetRule(v6 bool, subnets []string) *SubnetRule {
	r := &SubnetRule{v6: v6}
	for _, s := range subnets {
		r.subnets = append(r.subnets, NewExpression(ValueString, s))
	}
	r.init(r)
	return r
}

func (r *SubnetRule) IPv6() bool { return r.v6 }

func (r *SubnetRule) Subnets() []*Expression { return r.subnets }

func (r *SubnetRule) Accepts(info Properties) (bool, error) {
	s := r.scope(info)
	r.once.Do(func() { r.masks, r.err = r.compile(s) })
	if r.err != nil {
		return false, r.err
	}
	prop := IPv4AddressesProperty
	if r.v6 {
		prop = IPv6AddressesProperty
	}
	list, ok := GetProperty(info, prop)
	if !ok {
		return false, nil
	}
	for _, ip := range parseAddresses(list, r.v6) {
		for _, m := range r.masks {
			if m.matches(ip) {
				return true, nil
			}
		}
	}
	return false, nil
}

// compile evaluates each subnet expression once, against the first node the
// rule sees, and parses it.
func (r *SubnetRule) compile(s *scope) ([]*netmask, error) {
	masks := make([]*netmask, 0, len(r.subnets))
	for _, e := range r.subnets {
		text, err := e.text(s)
		if err != nil {
			return nil, err
		}
		m, err := parseNetmask(text, r.v6)
		if err != nil {
			return nil, err
		}
		masks = append(masks, m)
	}
	return masks, nil
}

// parseAddresses extracts the ip of every "host|ip" entry. Entries whose ip
// cannot be determined are skipped.
func parseAddresses(list string, v6 bool) []net.IP {
	var ips []net.IP
	for _, entry := range strings.Fields(list) {
		host, addr := entry, ""
		if i := strings.LastIndex(entry, "|"); i >= 0 {
			host, addr = entry[:i], entry[i+1:]
		}
		if addr == "" {
			addr = host
		}
		ip := net.ParseIP(strings.Trim(addr, "[]"))
		if ip == nil {
			log.Debugf("skipping unresolvable address %q", entry)
			continue
		}
		if !v6 {
			if ip = ip.To4(); ip == nil {
				continue
			}
		} else if ip.To4() != nil {
			continue
		}
		ips = append(ips, ip)
	}
	return ips
}

type componentRange struct {
	low, high int
}

type netmask struct {
	text   string
	cidr   *net.IPNet
	ranges []componentRange
}

func parseNetmask(text string, v6 bool) (*netmask, error) {
	text = strings.TrimSpace(text)
	m := &netmask{text: text}
	if strings.Contains(text, "/") {
		ip, cidr, err := net.ParseCIDR(text)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid subnet %q", text)
		}
		if (ip.To4() == nil) != v6 {
			return nil, errors.Errorf("subnet %q has the wrong address family", text)
		}
		m.cidr = cidr
		return m, nil
	}

	sep, count, base, max := ".", 4, 10, 255
	if v6 {
		sep, count, base, max = ":", 8, 16, 0xffff
		if strings.Contains(text, "::") {
			ip := net.ParseIP(text)
			if ip == nil || ip.To4() != nil {
				return nil, errors.Errorf("invalid IPv6 subnet %q", text)
			}
			for i := 0; i < 16; i += 2 {
				v := int(ip[i])<<8 | int(ip[i+1])
				m.ranges = append(m.ranges, componentRange{v, v})
			}
			return m, nil
		}
	}
	parts := strings.Split(text, sep)
	if len(parts) > count {
		return nil, errors.Errorf("subnet %q has more than %d components", text, count)
	}
	for _, p := range parts {
		r, err := parseComponent(p, base, max)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid subnet %q", text)
		}
		m.ranges = append(m.ranges, r)
	}
	for len(m.ranges) < count {
		m.ranges = append(m.ranges, componentRange{0, max})
	}
	return m, nil
}

func parseComponent(p string, base, max int) (componentRange, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "*" {
		return componentRange{0, max}, nil
	}
	parse := func(s string, def int) (int, error) {
		if s == "" {
			return def, nil
		}
		v, err := strconv.ParseInt(s, base, 32)
		if err != nil || v < 0 || int(v) > max {
			return 0, errors.Errorf("bad component %q", s)
		}
		return int(v), nil
	}
	if i := strings.Index(p, "-"); i >= 0 {
		low, err := parse(p[:i], 0)
		if err != nil {
			return componentRange{}, err
		}
		high, err := parse(p[i+1:], max)
		if err != nil {
			return componentRange{}, err
		}
		if low > high {
			return componentRange{}, errors.Errorf("empty range %q", p)
		}
		return componentRange{low, high}, nil
	}
	v, err := parse(p, 0)
	return componentRange{v, v}, err
}

func (m *netmask) matches(ip net.IP) bool {
	if m.cidr != nil {
		return m.cidr.Contains(ip)
	}
	var components []int
	if len(m.ranges) == 4 {
		v4 := ip.To4()
		if v4 == nil {
			return false
		}
		for _, b := range v4 {
			components = append(components, int(b))
		}
	} else {
		v6 := ip.To16()
		if v6 == nil {
			return false
		}
		for i := 0; i < 16; i += 2 {
			components = append(components, int(v6[i])<<8|int(v6[i+1]))
		}
	}
	for i, r := range m.ranges {
		if components[i] < r.low || components[i] > r.high {
			return false
		}
	}
	return true
}
