package payment

import (
	"fmt"
	"math/big"
	"strings"
)

// Network describes a chain the exact scheme can be signed for.
type Network struct {
	Name    string
	ChainID *big.Int
	// Asset is the network's default USDC contract.
	Asset        string
	TokenName    string
	TokenVersion string
}

const (
	defaultTokenName    = "USD Coin"
	defaultTokenVersion = "2"
)

var networks = map[string]Network{
	"base": {
		Name: "base", ChainID: big.NewInt(8453),
		Asset: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", TokenName: "USD Coin", TokenVersion: "2",
	},
	"base-sepolia": {
		Name: "base-sepolia", ChainID: big.NewInt(84532),
		Asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", TokenName: "USDC", TokenVersion: "2",
	},
	"avalanche": {
		Name: "avalanche", ChainID: big.NewInt(43114),
		Asset: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", TokenName: "USD Coin", TokenVersion: "2",
	},
	"avalanche-fuji": {
		Name: "avalanche-fuji", ChainID: big.NewInt(43113),
		Asset: "0x5425890298aed601595a70AB815c96711a31Bc65", TokenName: "USD Coin", TokenVersion: "2",
	},
	"polygon": {
		Name: "polygon", ChainID: big.NewInt(137),
		Asset: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", TokenName: "USD Coin", TokenVersion: "2",
	},
	"polygon-amoy": {
		Name: "polygon-amoy", ChainID: big.NewInt(80002),
		Asset: "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", TokenName: "USDC", TokenVersion: "2",
	},
}

// LookupNetwork resolves a short network name or a CAIP-2 "eip155:<id>"
// identifier. CAIP-2 lookups carry no asset defaults unless the chain id
// belongs to a known network.
func LookupNetwork(name string) (Network, error) {
	if n, ok := networks[name]; ok {
		return n, nil
	}
	if rest, ok := strings.CutPrefix(name, "eip155:"); ok {
		id, ok := new(big.Int).SetString(rest, 10)
		if !ok || id.Sign() <= 0 {
			return Network{}, fmt.Errorf("invalid chain id in %q", name)
		}
		for _, n := range networks {
			if n.ChainID.Cmp(id) == 0 {
				n.Name = name
				return n, nil
			}
		}
		return Network{Name: name, ChainID: id}, nil
	}
	return Network{}, fmt.Errorf("unsupported network %q", name)
}

// DomainFor builds the EIP-712 domain the authorization for r is signed
// under. Overrides in r.Extra win over the network defaults.
func DomainFor(r *Requirements) (Domain, error) {
	n, err := LookupNetwork(r.Network)
	if err != nil {
		return Domain{}, NewError(KindMalformedRequirements, "unknown network", err)
	}
	d := Domain{
		Name:              n.TokenName,
		Version:           n.TokenVersion,
		ChainID:           n.ChainID,
		VerifyingContract: r.Asset,
	}
	if d.Name == "" {
		d.Name = defaultTokenName
	}
	if d.Version == "" {
		d.Version = defaultTokenVersion
	}
	if r.Extra != nil {
		if r.Extra.Name != "" {
			d.Name = r.Extra.Name
		}
		if r.Extra.Version != "" {
			d.Version = r.Extra.Version
		}
	}
	return d, nil
}
