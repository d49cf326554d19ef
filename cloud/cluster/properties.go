package cluster

import (
	"sort"
	"strings"
)

// Names of the property groups a node advertises, in lookup order.
const (
	GridProperties    = "grid"
	SystemProperties  = "system"
	EnvProperties     = "env"
	NetworkProperties = "network"
	RuntimeProperties = "runtime"
	OSProperties      = "os"
)

// Network property names holding "host|ip host|ip ..." lists.
const (
	IPv4AddressesProperty = "ipv4.addresses"
	IPv6AddressesProperty = "ipv6.addresses"
)

// Properties is one named group of advertised key/value pairs.
type Properties struct {
	Name   string
	Values map[string]string
}

// PropertyCollection is everything a node advertises about itself. Lookups
// scan the groups in order and return the first match.
type PropertyCollection struct {
	groups []Properties
}

func NewPropertyCollection(groups ...Properties) *PropertyCollection {
	return &PropertyCollection{groups: groups}
}

// PropertiesFromMap builds a collection from group name -> values. Groups
// are ordered with the well known names first, then alphabetically.
func PropertiesFromMap(m map[string]map[string]string) *PropertyCollection {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := groupRank(names[i]), groupRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	c := &PropertyCollection{}
	for _, n := range names {
		c.groups = append(c.groups, Properties{Name: n, Values: m[n]})
	}
	return c
}

func groupRank(name string) int {
	for i, g := range []string{GridProperties, SystemProperties, EnvProperties, NetworkProperties, RuntimeProperties, OSProperties} {
		if strings.EqualFold(name, g) {
			return i
		}
	}
	return 100
}

// Property returns the first value found for name.
func (c *PropertyCollection) Property(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	for _, g := range c.groups {
		if v, ok := g.Values[name]; ok {
			return v, true
		}
	}
	return "", false
}

// Group returns the named group, or nil.
func (c *PropertyCollection) Group(name string) map[string]string {
	if c == nil {
		return nil
	}
	for _, g := range c.groups {
		if g.Name == name {
			return g.Values
		}
	}
	return nil
}

// Flatten merges every group into one map; earlier groups win.
func (c *PropertyCollection) Flatten() map[string]string {
	out := map[string]string{}
	if c == nil {
		return out
	}
	for i := len(c.groups) - 1; i >= 0; i-- {
		for k, v := range c.groups[i].Values {
			out[k] = v
		}
	}
	return out
}

// With returns a copy with name=value set in the named group, creating the
// group at the end of the lookup order if needed.
func (c *PropertyCollection) With(group, name, value string) *PropertyCollection {
	out := &PropertyCollection{}
	found := false
	if c != nil {
		for _, g := range c.groups {
			values := make(map[string]string, len(g.Values)+1)
			for k, v := range g.Values {
				values[k] = v
			}
			if g.Name == group {
				values[name] = value
				found = true
			}
			out.groups = append(out.groups, Properties{Name: g.Name, Values: values})
		}
	}
	if !found {
		out.groups = append(out.groups, Properties{Name: group, Values: map[string]string{name: value}})
	}
	return out
}
