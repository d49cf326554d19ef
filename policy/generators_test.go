package policy

import (
	"fmt"
	"math/rand"

	"github.com/leanovate/gopter"
)

var genPropertyNames = []string{"cpus", "mem", "os", "host", "zone"}

// genRandomProps returns a node advertising a random subset of the generated
// property names plus an IPv4 address.
func genRandomProps(rng *rand.Rand) props {
	p := props{}
	for _, name := range genPropertyNames {
		switch rng.Intn(4) {
		case 0:
		case 1:
			p[name] = genWord(rng)
		default:
			p[name] = fmt.Sprint(rng.Intn(10))
		}
	}
	p[IPv4AddressesProperty] = fmt.Sprintf("node|10.%d.%d.%d", rng.Intn(4), rng.Intn(4), rng.Intn(256))
	p[MasterNodeProperty] = fmt.Sprint(rng.Intn(2) == 0)
	return p
}

func genWord(rng *rand.Rand) string {
	words := []string{"linux", "Linux", "darwin", "alpha", "beta", "east", "West"}
	return words[rng.Intn(len(words))]
}

func genValue(rng *rand.Rand) string {
	if rng.Intn(2) == 0 {
		return genWord(rng)
	}
	return fmt.Sprint(rng.Intn(10))
}

// genRandomPolicy builds a random tree of at most the given depth out of
// every policy kind that can be evaluated without a driver.
func genRandomPolicy(rng *rand.Rand, depth int) Policy {
	if depth > 0 && rng.Intn(3) > 0 {
		children := make([]Policy, rng.Intn(4))
		for i := range children {
			children[i] = genRandomPolicy(rng, depth-1)
		}
		switch rng.Intn(5) {
		case 0:
			return And(children...)
		case 1:
			return Or(children...)
		case 2:
			return Xor(children...)
		case 3:
			return Not(genRandomPolicy(rng, depth-1))
		default:
			return NewPreference(children...)
		}
	}

	prop := genPropertyNames[rng.Intn(len(genPropertyNames))]
	n := float64(rng.Intn(10))
	switch rng.Intn(14) {
	case 0:
		return LessThan(prop, n)
	case 1:
		return AtLeast(prop, n)
	case 2:
		return BetweenIE(prop, n, n+float64(rng.Intn(5)))
	case 3:
		return BetweenEI(prop, n, n+float64(rng.Intn(5)))
	case 4:
		return EqualNumber(prop, n)
	case 5:
		return EqualStringCase(prop, rng.Intn(2) == 0, genWord(rng))
	case 6:
		return NotEqualString(prop, rng.Intn(2) == 0, genWord(rng))
	case 7:
		return Contains(prop, rng.Intn(2) == 0, genWord(rng)[:2])
	case 8:
		return OneOfStrings(prop, rng.Intn(2) == 0, genWord(rng), genWord(rng))
	case 9:
		return OneOfNumbers(prop, n, n+1)
	case 10:
		re, err := RegExp(prop, genWord(rng)[:1]+".*")
		if err != nil {
			panic(err)
		}
		return re
	case 11:
		return IsInIPv4Subnet(fmt.Sprintf("10.%d.0.0/16", rng.Intn(4)), fmt.Sprintf("10.*.%d", rng.Intn(4)))
	case 12:
		if rng.Intn(2) == 0 {
			return AcceptAll()
		}
		return RejectAll()
	default:
		return IsMasterNode()
	}
}

type policyCase struct {
	policy Policy
	nodes  []props
}

func (c *policyCase) String() string {
	return ToXML(c.policy)
}

func GopterGenPolicyCase() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		c := &policyCase{policy: genRandomPolicy(genParams.Rng, 4)}
		for i := 0; i < 8; i++ {
			c.nodes = append(c.nodes, genRandomProps(genParams.Rng))
		}
		return gopter.NewGenResult(c, gopter.NoShrinker)
	}
}
