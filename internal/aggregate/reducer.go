package aggregate

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Policy decides how a Sum treats failed samples.
type Policy string

const (
	// PolicyStrict voids the metric if any sample failed.
	PolicyStrict Policy = "strict"
	// PolicyLenient counts failed samples as zero.
	PolicyLenient Policy = "lenient"
)

// ParsePolicy maps a config value to a Policy. Empty means strict.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyLenient:
		return PolicyLenient, nil
	default:
		return "", fmt.Errorf("unknown aggregation policy %q", s)
	}
}

// Reducer is one of Sum, DifferenceFromConstant or RatioOfTwoReads.
type Reducer interface {
	// Keys lists the fetch keys the reducer needs, in the order results
	// must be passed to Reduce.
	Keys() []string

	// Kind names the reducer for logs.
	Kind() string

	sealed()
}

// Sum adds up the balances of Addresses.
type Sum struct {
	Addresses []string
	Policy    Policy
}

func (r Sum) Keys() []string { return r.Addresses }
func (Sum) Kind() string     { return "sum" }
func (Sum) sealed()          {}

// DifferenceFromConstant subtracts one balance from a fixed amount,
// e.g. max supply minus the burn wallet.
type DifferenceFromConstant struct {
	Constant decimal.Decimal
	Address  string
}

func (r DifferenceFromConstant) Keys() []string { return []string{r.Address} }
func (DifferenceFromConstant) Kind() string     { return "difference_from_constant" }
func (DifferenceFromConstant) sealed()          {}

// RatioOfTwoReads multiplies two independently fetched values, e.g. a pool's
// token reserve and a price read.
type RatioOfTwoReads struct {
	Reads [2]string
}

func (r RatioOfTwoReads) Keys() []string { return []string{r.Reads[0], r.Reads[1]} }
func (RatioOfTwoReads) Kind() string     { return "ratio_of_two_reads" }
func (RatioOfTwoReads) sealed()          {}
