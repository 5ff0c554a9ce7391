package x402

import "strings"

// Network names as they appear in pricing rows and payment payloads.
const (
	NetworkBase        = "base"
	NetworkBaseSepolia = "base-sepolia"
	NetworkSei         = "sei"
	NetworkSeiTestnet  = "sei-testnet"
)

// evmChainIDs maps supported network names to their EVM chain IDs. These
// feed the EIP-712 domain separator when signing transfer authorizations.
var evmChainIDs = map[string]int64{
	NetworkBase:        8453,
	NetworkBaseSepolia: 84532,
	NetworkSei:         1329,
	NetworkSeiTestnet:  1328,
}

// ChainID returns the EVM chain ID for a network name.
func ChainID(network string) (int64, bool) {
	id, ok := evmChainIDs[strings.ToLower(strings.TrimSpace(network))]
	return id, ok
}

// IsTestnet reports whether the network is a test network. The test signer
// strategy refuses to sign for anything else.
func IsTestnet(network string) bool {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case NetworkBaseSepolia, NetworkSeiTestnet:
		return true
	default:
		return false
	}
}

// usdcAddresses maps networks to their canonical circle-issued USDC
// contract, used as the default pricing asset at registration time.
var usdcAddresses = map[string]string{
	NetworkBase:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	NetworkBaseSepolia: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

// USDCAddress returns the canonical USDC contract for a network, or ""
// when none is known.
func USDCAddress(network string) string {
	return usdcAddresses[strings.ToLower(strings.TrimSpace(network))]
}

// tokenDomain holds the EIP-712 domain parameters of a known EIP-3009
// token contract.
type tokenDomain struct {
	Name    string
	Version string
}

// usdcDomains carries the verified domain parameters for circle-issued
// USDC on the supported networks, keyed by network:address (lowercased).
// Mainnet deployments register as "USD Coin", testnet deployments as
// "USDC"; both use version "2".
var usdcDomains = map[string]tokenDomain{
	NetworkBase + ":0x833589fcd6edb6e08f4c7c32d4f71b54bda02913":        {Name: "USD Coin", Version: "2"},
	NetworkBaseSepolia + ":0x036cbd53842c5426634e7929541ec2318f3dcf7e": {Name: "USDC", Version: "2"},
}

// TokenDomain returns the EIP-712 domain name and version for an asset on
// a network, defaulting to the testnet USDC parameters when the pair is
// not in the verified table.
func TokenDomain(network, asset string) (name, version string) {
	key := strings.ToLower(strings.TrimSpace(network) + ":" + strings.TrimSpace(asset))
	if d, ok := usdcDomains[key]; ok {
		return d.Name, d.Version
	}
	return "USDC", "2"
}
