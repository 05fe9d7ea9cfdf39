package catalog

import (
	"fmt"
	"math/big"

	"gopkg.in/yaml.v3"
)

// MicroCentsPerUSD converts dollars to micro-cents.
const MicroCentsPerUSD = 100_000_000

var microCentsPerUSD = big.NewRat(MicroCentsPerUSD, 1)

// Price is a rate in micro-cents per one million tokens. It is written in the
// catalog as a decimal dollar amount ("3.75") and parsed exactly.
type Price int64

// ParsePrice parses a non-negative decimal dollar amount with at most eight
// fractional digits.
func ParsePrice(s string) (Price, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	if r.Sign() < 0 {
		return 0, fmt.Errorf("negative price %q", s)
	}
	r.Mul(r, microCentsPerUSD)
	if !r.IsInt() || !r.Num().IsInt64() {
		return 0, fmt.Errorf("price %q is not representable in micro-cents", s)
	}
	return Price(r.Num().Int64()), nil
}

// UnmarshalYAML accepts quoted or bare decimal scalars.
func (p *Price) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: price must be a scalar", value.Line)
	}
	parsed, err := ParsePrice(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*p = parsed
	return nil
}

// Cost is a per-category rate table.
type Cost struct {
	Input        Price `yaml:"input"`
	Output       Price `yaml:"output"`
	CacheRead    Price `yaml:"cacheRead"`
	CacheWrite5m Price `yaml:"cacheWrite5m"`
	CacheWrite1h Price `yaml:"cacheWrite1h"`
}
