package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"tandachain/crypto"
	"tandachain/native/circle"
	"tandachain/native/credit"

	"github.com/BurntSushi/toml"
)

// Asset describes one whitelisted pool asset.
type Asset struct {
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
	Active   bool   `toml:"Active"`
}

// RateCurve carries the kinked interest curve parameters in basis points.
type RateCurve struct {
	BaseRateBPS      uint64 `toml:"BaseRateBPS"`
	Slope1BPS        uint64 `toml:"Slope1BPS"`
	Slope2BPS        uint64 `toml:"Slope2BPS"`
	KinkBPS          uint64 `toml:"KinkBPS"`
	ReserveFactorBPS uint64 `toml:"ReserveFactorBPS"`
}

// TierEntry configures one credit tier. BorrowingLimit is a whole-token
// amount scaled by the stable asset's decimals at load time.
type TierEntry struct {
	MinScore        uint32 `toml:"MinScore"`
	MaxScore        uint32 `toml:"MaxScore"`
	Label           string `toml:"Label"`
	BorrowingLimit  int64  `toml:"BorrowingLimit"`
	InterestRateBPS uint64 `toml:"InterestRateBPS"`
}

// Governance carries circle voting policy.
type Governance struct {
	QuorumBPS           uint64 `toml:"QuorumBPS"`
	VotingPeriodSeconds int64  `toml:"VotingPeriodSeconds"`
}

// Scoring configures the external credit score boundary.
type Scoring struct {
	ServiceURL         string `toml:"ServiceURL"`
	TrustedSigner      string `toml:"TrustedSigner"`
	CacheTTLSeconds    int64  `toml:"CacheTTLSeconds"`
	MaxAgeSeconds      int64  `toml:"MaxAgeSeconds"`
	RequestsPerWindow  uint32 `toml:"RequestsPerWindow"`
	WindowSeconds      uint32 `toml:"WindowSeconds"`
	UpstreamRatePerSec int    `toml:"UpstreamRatePerSec"`
	UpstreamBurst      int    `toml:"UpstreamBurst"`
	TimeoutSeconds     int64  `toml:"TimeoutSeconds"`
}

// CollateralBounds carries the accepted collateral ratio band and oracle
// freshness limit.
type CollateralBounds struct {
	MinRatioBPS        uint64 `toml:"MinRatioBPS"`
	MaxRatioBPS        uint64 `toml:"MaxRatioBPS"`
	MaxQuoteAgeSeconds int64  `toml:"MaxQuoteAgeSeconds"`
}

// GenesisBalance seeds an account at first boot.
type GenesisBalance struct {
	Address    string `toml:"Address"`
	Stable     int64  `toml:"Stable"`
	Collateral int64  `toml:"Collateral"`
}

// Config is the per-network deployment table loaded at startup. The core
// engines receive plain structs carved out of it; nothing below the service
// layer reads files.
type Config struct {
	ListenAddress    string           `toml:"ListenAddress"`
	MetricsAddress   string           `toml:"MetricsAddress"`
	DataDir          string           `toml:"DataDir"`
	NetworkName      string           `toml:"NetworkName"`
	NodeKeystorePath string           `toml:"NodeKeystorePath"`
	PoolAddress      string           `toml:"PoolAddress"`
	CollateralAddr   string           `toml:"CollateralAddress"`
	Assets           []Asset          `toml:"Assets"`
	RateCurve        RateCurve        `toml:"RateCurve"`
	Tiers            []TierEntry      `toml:"Tiers"`
	Governance       Governance       `toml:"Governance"`
	Scoring          Scoring          `toml:"Scoring"`
	Collateral       CollateralBounds `toml:"Collateral"`
	Genesis          []GenesisBalance `toml:"Genesis"`
}

// Load reads the deployment table, creating a default file on first boot.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "tanda-local"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = cfg.ListenAddress
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./tanda-data"
	}
	if cfg.RateCurve == (RateCurve{}) {
		cfg.RateCurve = RateCurve{
			BaseRateBPS:      500,
			Slope1BPS:        1_000,
			Slope2BPS:        4_000,
			KinkBPS:          8_000,
			ReserveFactorBPS: 1_000,
		}
	}
	if cfg.Governance == (Governance{}) {
		policy := circle.DefaultPolicy()
		cfg.Governance = Governance{
			QuorumBPS:           policy.QuorumBps,
			VotingPeriodSeconds: policy.VotingPeriodSeconds,
		}
	}
	if cfg.Collateral == (CollateralBounds{}) {
		cfg.Collateral = CollateralBounds{
			MinRatioBPS:        5_000,
			MaxRatioBPS:        15_000,
			MaxQuoteAgeSeconds: 300,
		}
	}
	if len(cfg.Assets) == 0 {
		cfg.Assets = []Asset{{Symbol: "USDT", Decimals: 6, Active: true}}
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.NodeKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if cfg.NodeKeystorePath != keystorePath {
		cfg.NodeKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.NodeKeystorePath = defaultKeystorePath(path)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveToKeystore(cfg.NodeKeystorePath, key, ""); err != nil {
		return nil, err
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}

// CreditTiers converts the configured tier table, falling back to the
// built-in ladder when the file omits it. Limits scale by the stable asset's
// decimals.
func (c *Config) CreditTiers() []credit.Tier {
	if len(c.Tiers) == 0 {
		return credit.DefaultTiers()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.StableDecimals())), nil)
	tiers := make([]credit.Tier, 0, len(c.Tiers))
	for _, entry := range c.Tiers {
		tiers = append(tiers, credit.Tier{
			MinScore:        entry.MinScore,
			MaxScore:        entry.MaxScore,
			Label:           entry.Label,
			BorrowingLimit:  new(big.Int).Mul(big.NewInt(entry.BorrowingLimit), scale),
			InterestRateBPS: entry.InterestRateBPS,
		})
	}
	return tiers
}

// StableDecimals returns the decimal scale of the primary stable asset.
func (c *Config) StableDecimals() uint8 {
	for _, asset := range c.Assets {
		if asset.Active {
			return asset.Decimals
		}
	}
	return 6
}

// ModuleAddress decodes a configured module address, deriving a deterministic
// fallback from the label when unset.
func ModuleAddress(configured, label string) (crypto.Address, error) {
	if strings.TrimSpace(configured) != "" {
		addr, err := crypto.DecodeAddress(configured)
		if err != nil {
			return crypto.Address{}, fmt.Errorf("config: %s address: %w", label, err)
		}
		return addr, nil
	}
	digest := crypto.Keccak256([]byte("tandachain/module/" + label))
	return crypto.NewAddress(crypto.AccountPrefix, digest[12:]), nil
}
