// Package utils provides small stateless helpers shared across the coordinator.
package utils

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	bytes := make([]byte, 16)
	cryptorand.Read(bytes) //nolint:errcheck // crypto/rand.Read never errors on a fixed-size buffer
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateAnalysisID generates a unique AnalysisRun ID.
func GenerateAnalysisID() string { return GenerateID("ana") }

// GenerateRebalanceID generates a unique RebalanceRun ID.
func GenerateRebalanceID() string { return GenerateID("reb") }

// GenerateTradeOrderID generates a unique TradeOrder ID.
func GenerateTradeOrderID() string { return GenerateID("trd") }

// GenerateScheduleID generates a unique ScheduleRule ID.
func GenerateScheduleID() string { return GenerateID("sch") }

// FormatSymbol normalizes a trading symbol: trims, uppercases, and normalizes separators.
func FormatSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ToUpper(symbol)
	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")
	return symbol
}

// ParseSymbol extracts base and quote from a BASE/QUOTE symbol.
func ParseSymbol(symbol string) (base, quote string) {
	parts := strings.Split(symbol, "/")
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return symbol, ""
}

// MinDecimal returns the minimum of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the maximum of two decimals.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// RetryConfig contains retry configuration: attempts, exponential backoff, and jitter.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterFraction float64 // fraction of the computed delay to randomize, e.g. 0.2 = +/-20%
}

// DefaultRetryConfig returns the coordinator's default retry policy: 2 retries
// (3 attempts total), exponential backoff starting at 200ms, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Retry retries fn with exponential backoff and jitter, returning the last error on exhaustion.
func Retry[T any](config RetryConfig, fn func(attempt int) (T, error)) (T, error) {
	var result T
	var err error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err = fn(attempt)
		if err == nil {
			return result, nil
		}

		if attempt == config.MaxAttempts {
			break
		}

		time.Sleep(jitter(delay, config.JitterFraction))
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
}

// jitter randomizes d by +/- fraction.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
