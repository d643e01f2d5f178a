package aggregate

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/supplyoor/internal/balance"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

func ok(address, raw string) balance.Result {
	amount, _ := new(big.Int).SetString(raw, 10)

	return balance.Result{
		Address: address,
		Sample:  &balance.Sample{Address: address, Raw: amount, Decimals: 18},
	}
}

func failed(address string) balance.Result {
	return balance.Result{
		Address: address,
		Err:     balance.NewFetchError(address, errors.New("timeout")),
	}
}

func TestReduce_Sum(t *testing.T) {
	agg := New(testLog())

	got, err := agg.Reduce("pools", Sum{Addresses: []string{"a", "b"}}, []balance.Result{
		ok("a", "1000000000000000000"),
		ok("b", "2000000000000000000"),
	}, DefaultPrecision)
	require.NoError(t, err)

	assert.Equal(t, "3", got.String())
}

func TestReduce_DifferenceFromConstant(t *testing.T) {
	agg := New(testLog())

	reducer := DifferenceFromConstant{
		Constant: decimal.NewFromInt(100_000_000),
		Address:  "burn",
	}

	got, err := agg.Reduce("circulating-supply", reducer, []balance.Result{
		ok("burn", "500000000000000000000"),
	}, DefaultPrecision)
	require.NoError(t, err)

	assert.Equal(t, "99999500", got.String())
}

func TestReduce_DifferenceFromConstantHalfToken(t *testing.T) {
	agg := New(testLog())

	reducer := DifferenceFromConstant{Constant: decimal.NewFromInt(100_000_000), Address: "burn"}

	got, err := agg.Reduce("circulating-supply", reducer, []balance.Result{
		ok("burn", "500000000000000000"),
	}, DefaultPrecision)
	require.NoError(t, err)

	assert.Equal(t, "99999999.5", got.String())
}

func TestReduce_DifferenceFromConstantFailure(t *testing.T) {
	agg := New(testLog())

	reducer := DifferenceFromConstant{Constant: decimal.NewFromInt(1), Address: "burn"}

	_, err := agg.Reduce("circulating-supply", reducer, []balance.Result{failed("burn")}, DefaultPrecision)
	require.Error(t, err)

	var aggErr *AggregationError
	require.True(t, errors.As(err, &aggErr))
	assert.Equal(t, 1, aggErr.Failed)

	var fetchErr *balance.FetchError
	assert.True(t, errors.As(err, &fetchErr))
}

func tenPools(failAt int) (Sum, []balance.Result) {
	reducer := Sum{}
	results := make([]balance.Result, 0, 10)

	for i := range 10 {
		address := fmt.Sprintf("pool-%d", i)
		reducer.Addresses = append(reducer.Addresses, address)

		if i == failAt {
			results = append(results, failed(address))

			continue
		}

		results = append(results, ok(address, "1000000000000000000"))
	}

	return reducer, results
}

func TestReduce_SumStrictRefusesPartialData(t *testing.T) {
	agg := New(testLog())
	reducer, results := tenPools(4)

	_, err := agg.Reduce("pools", reducer, results, DefaultPrecision)
	require.Error(t, err)

	var aggErr *AggregationError
	require.True(t, errors.As(err, &aggErr))
	assert.Equal(t, "pools", aggErr.Metric)
	assert.Equal(t, 1, aggErr.Failed)
	assert.Equal(t, 10, aggErr.Total)
}

func TestReduce_SumLenientCountsFailureAsZero(t *testing.T) {
	agg := New(testLog())
	reducer, results := tenPools(4)
	reducer.Policy = PolicyLenient

	got, err := agg.Reduce("pools", reducer, results, DefaultPrecision)
	require.NoError(t, err)

	assert.Equal(t, "9", got.String())
}

func TestReduce_SumLenientFailsWhenNothingSucceeded(t *testing.T) {
	agg := New(testLog())
	reducer := Sum{Addresses: []string{"a", "b"}, Policy: PolicyLenient}

	_, err := agg.Reduce("pools", reducer, []balance.Result{failed("a"), failed("b")}, DefaultPrecision)

	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, 2, aggErr.Failed)
}

func TestReduce_RatioOfTwoReads(t *testing.T) {
	agg := New(testLog())
	reducer := RatioOfTwoReads{Reads: [2]string{"reserve", "price"}}

	got, err := agg.Reduce("tvl", reducer, []balance.Result{
		ok("reserve", "2500000000000000000"),
		ok("price", "2000000000000000000"),
	}, DefaultPrecision)
	require.NoError(t, err)
	assert.Equal(t, "5", got.String())

	_, err = agg.Reduce("tvl", reducer, []balance.Result{
		ok("reserve", "2500000000000000000"),
		failed("price"),
	}, DefaultPrecision)
	assert.Error(t, err)
}

func TestReduce_RoundsOnceToPrecision(t *testing.T) {
	agg := New(testLog())

	got, err := agg.Reduce("pools", Sum{Addresses: []string{"a", "b"}}, []balance.Result{
		ok("a", "1234567890000000000"),
		ok("b", "1000000000000000"),
	}, 2)
	require.NoError(t, err)

	assert.Equal(t, "1.24", got.String())
}

func TestReduce_ResultCountMismatch(t *testing.T) {
	agg := New(testLog())

	_, err := agg.Reduce("pools", Sum{Addresses: []string{"a", "b"}}, []balance.Result{ok("a", "1")}, DefaultPrecision)
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)

	p, err = ParsePolicy("lenient")
	require.NoError(t, err)
	assert.Equal(t, PolicyLenient, p)

	_, err = ParsePolicy("yolo")
	assert.Error(t, err)
}
