// Package aggregate reduces a batch of balance samples to a single metric
// value.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/supplyoor/internal/balance"
)

// DefaultPrecision is the number of decimal places kept when a metric does
// not set its own.
const DefaultPrecision int32 = 18

// AggregationError is returned when a reducer refuses to produce a value.
type AggregationError struct {
	Metric string
	Failed int
	Total  int
	Cause  error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf(
		"aggregating %s: %d of %d samples failed: %v",
		e.Metric, e.Failed, e.Total, e.Cause,
	)
}

func (e *AggregationError) Unwrap() error {
	return e.Cause
}

// Aggregator dispatches a Reducer over a batch result.
type Aggregator struct {
	log logrus.FieldLogger
}

// New creates an aggregator.
func New(log logrus.FieldLogger) *Aggregator {
	return &Aggregator{
		log: log.WithField("component", "aggregate"),
	}
}

// Reduce combines results, which must line up with reducer.Keys(), and rounds
// the outcome once to precision decimal places.
func (a *Aggregator) Reduce(
	metric string,
	reducer Reducer,
	results []balance.Result,
	precision int32,
) (decimal.Decimal, error) {
	keys := reducer.Keys()
	if len(keys) != len(results) {
		return decimal.Zero, &AggregationError{
			Metric: metric,
			Total:  len(keys),
			Cause: fmt.Errorf(
				"expected %d results, got %d", len(keys), len(results),
			),
		}
	}

	var (
		value decimal.Decimal
		err   error
	)

	switch r := reducer.(type) {
	case Sum:
		value, err = a.sum(metric, r, results)
	case DifferenceFromConstant:
		value, err = a.difference(metric, r, results)
	case RatioOfTwoReads:
		value, err = a.ratio(metric, results)
	default:
		return decimal.Zero, fmt.Errorf("unsupported reducer %T", reducer)
	}

	if err != nil {
		return decimal.Zero, err
	}

	return value.Round(precision), nil
}

func (a *Aggregator) sum(
	metric string,
	r Sum,
	results []balance.Result,
) (decimal.Decimal, error) {
	total := decimal.Zero

	var failed []error

	for _, res := range results {
		if !res.OK() {
			failed = append(failed, errOf(res))

			continue
		}

		total = total.Add(res.Sample.Amount())
	}

	if len(failed) == 0 {
		return total, nil
	}

	if r.Policy != PolicyLenient || len(failed) == len(results) {
		return decimal.Zero, &AggregationError{
			Metric: metric,
			Failed: len(failed),
			Total:  len(results),
			Cause:  errors.Join(failed...),
		}
	}

	for _, err := range failed {
		a.log.WithError(err).WithField("metric", metric).
			Warn("Counting failed sample as zero")
	}

	return total, nil
}

func (a *Aggregator) difference(
	metric string,
	r DifferenceFromConstant,
	results []balance.Result,
) (decimal.Decimal, error) {
	res := results[0]
	if !res.OK() {
		return decimal.Zero, &AggregationError{
			Metric: metric,
			Failed: 1,
			Total:  1,
			Cause:  errOf(res),
		}
	}

	return r.Constant.Sub(res.Sample.Amount()), nil
}

func (a *Aggregator) ratio(
	metric string,
	results []balance.Result,
) (decimal.Decimal, error) {
	var failed []error

	for _, res := range results {
		if !res.OK() {
			failed = append(failed, errOf(res))
		}
	}

	if len(failed) > 0 {
		return decimal.Zero, &AggregationError{
			Metric: metric,
			Failed: len(failed),
			Total:  len(results),
			Cause:  errors.Join(failed...),
		}
	}

	return results[0].Sample.Amount().Mul(results[1].Sample.Amount()), nil
}

func errOf(res balance.Result) error {
	if res.Err != nil {
		return res.Err
	}

	return balance.NewFetchError(res.Address, errors.New("missing sample"))
}
