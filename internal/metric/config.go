package metric

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ethpandaops/supplyoor/internal/aggregate"
	"github.com/ethpandaops/supplyoor/internal/balance"
)

// Reducer kinds accepted in configuration.
const (
	KindSum                    = "sum"
	KindDifferenceFromConstant = "difference_from_constant"
	KindRatioOfTwoReads        = "ratio_of_two_reads"
)

// Upstream names accepted in configuration.
const (
	UpstreamExplorer = "explorer"
	UpstreamRPC      = "rpc"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Config describes one derived metric.
type Config struct {
	// Name identifies the metric, e.g. "circulating-supply".
	Name string `yaml:"name"`

	// Path is the HTTP route. Defaults to "/api/<name>".
	Path string `yaml:"path"`

	// ResponseKey is the JSON field holding the value. Defaults to "value".
	ResponseKey string `yaml:"response_key"`

	// TTL is how long a computed value is served. Defaults to 5m.
	TTL time.Duration `yaml:"ttl"`

	// Precision is the number of decimal places kept. Defaults to 18.
	Precision *int32 `yaml:"precision"`

	// Reducer is one of sum, difference_from_constant or ratio_of_two_reads.
	Reducer string `yaml:"reducer"`

	// Upstream is explorer or rpc. Defaults to explorer, or rpc for
	// ratio_of_two_reads.
	Upstream string `yaml:"upstream"`

	// Addresses are summed by the sum reducer.
	Addresses []string `yaml:"addresses"`

	// Policy is strict (default) or lenient; sum only.
	Policy string `yaml:"policy"`

	// Constant and Address are used by difference_from_constant.
	Constant string `yaml:"constant"`
	Address  string `yaml:"address"`

	// Reads are the two rpc read IDs used by ratio_of_two_reads.
	Reads []string `yaml:"reads"`
}

// ApplyDefaults fills unset presentation fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "/api/" + c.Name
	}

	if c.ResponseKey == "" {
		c.ResponseKey = "value"
	}

	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}

	if c.Precision == nil {
		precision := aggregate.DefaultPrecision
		c.Precision = &precision
	}

	if c.Upstream == "" {
		c.Upstream = UpstreamExplorer
		if c.Reducer == KindRatioOfTwoReads {
			c.Upstream = UpstreamRPC
		}
	}
}

// Definition is a validated metric ready to be registered.
type Definition struct {
	Name        string
	Path        string
	ResponseKey string
	TTL         time.Duration
	Precision   int32
	Upstream    string
	Reducer     aggregate.Reducer
}

// NewDefinition validates cfg and builds its reducer. Explorer addresses
// are normalized to lowercase.
func NewDefinition(cfg Config) (*Definition, error) {
	cfg.ApplyDefaults()

	if !namePattern.MatchString(cfg.Name) {
		return nil, fmt.Errorf("invalid metric name %q", cfg.Name)
	}

	if cfg.TTL < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	if *cfg.Precision < 0 {
		return nil, errors.New("precision must be >= 0")
	}

	if cfg.Path == "" || cfg.Path[0] != '/' {
		return nil, fmt.Errorf("path %q must start with /", cfg.Path)
	}

	if strings.ContainsAny(cfg.Path, "{} \t") {
		return nil, fmt.Errorf("path %q contains reserved characters", cfg.Path)
	}

	if cfg.Upstream != UpstreamExplorer && cfg.Upstream != UpstreamRPC {
		return nil, fmt.Errorf("unknown upstream %q", cfg.Upstream)
	}

	reducer, err := buildReducer(cfg)
	if err != nil {
		return nil, err
	}

	return &Definition{
		Name:        cfg.Name,
		Path:        cfg.Path,
		ResponseKey: cfg.ResponseKey,
		TTL:         cfg.TTL,
		Precision:   *cfg.Precision,
		Upstream:    cfg.Upstream,
		Reducer:     reducer,
	}, nil
}

func buildReducer(cfg Config) (aggregate.Reducer, error) {
	key := func(k string) (string, error) {
		if cfg.Upstream == UpstreamRPC {
			if k == "" {
				return "", errors.New("empty read id")
			}

			return k, nil
		}

		return balance.NormalizeAddress(k)
	}

	switch cfg.Reducer {
	case KindSum:
		if len(cfg.Addresses) == 0 {
			return nil, errors.New("sum requires at least one address")
		}

		policy, err := aggregate.ParsePolicy(cfg.Policy)
		if err != nil {
			return nil, err
		}

		keys := make([]string, 0, len(cfg.Addresses))
		for _, a := range cfg.Addresses {
			k, err := key(a)
			if err != nil {
				return nil, err
			}

			for _, seen := range keys {
				if balance.SameAddress(seen, k) {
					return nil, fmt.Errorf("duplicate address %q", a)
				}
			}

			keys = append(keys, k)
		}

		return aggregate.Sum{Addresses: keys, Policy: policy}, nil
	case KindDifferenceFromConstant:
		constant, err := decimal.NewFromString(cfg.Constant)
		if err != nil {
			return nil, fmt.Errorf("invalid constant %q: %w", cfg.Constant, err)
		}

		k, err := key(cfg.Address)
		if err != nil {
			return nil, err
		}

		return aggregate.DifferenceFromConstant{Constant: constant, Address: k}, nil
	case KindRatioOfTwoReads:
		if len(cfg.Reads) != 2 {
			return nil, fmt.Errorf("ratio_of_two_reads requires exactly 2 reads, got %d", len(cfg.Reads))
		}

		var reads [2]string

		for i, r := range cfg.Reads {
			k, err := key(r)
			if err != nil {
				return nil, err
			}

			reads[i] = k
		}

		return aggregate.RatioOfTwoReads{Reads: reads}, nil
	default:
		return nil, fmt.Errorf("unknown reducer %q", cfg.Reducer)
	}
}
