package broker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/atlasflow/trading-coordinator/internal/coordutil"
	"github.com/atlasflow/trading-coordinator/pkg/types"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// candidateSymbols builds the set of candidate wire symbols for a ticker:
// the original, the stripped-non-alphanumeric form, and, for plain symbols
// of length >= 5, every BASE/QUOTE split with a quote length of 2-5.
func candidateSymbols(ticker string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	add(ticker)
	stripped := nonAlnum.ReplaceAllString(ticker, "")
	add(stripped)

	if !strings.Contains(ticker, "/") && len(stripped) >= 5 {
		for quoteLen := 2; quoteLen <= 5 && quoteLen < len(stripped); quoteLen++ {
			base := stripped[:len(stripped)-quoteLen]
			quote := stripped[len(stripped)-quoteLen:]
			if base == "" {
				continue
			}
			add(base + "/" + quote)
		}
	}

	return out
}

func looksCrypto(ticker string) bool {
	return strings.Contains(ticker, "/") || strings.HasSuffix(strings.ToUpper(ticker), "USD") || strings.HasSuffix(strings.ToUpper(ticker), "USDT")
}

// ResolveSymbol implements §4.9.1: query the broker's asset directory for
// every candidate, prefer tradable assets, among tradable prefer crypto when
// the input already looks crypto, else prefer fractionable.
func (c *Client) ResolveSymbol(ctx context.Context, creds Credentials, ticker string) (types.SymbolResolution, error) {
	candidates := candidateSymbols(ticker)
	wantsCrypto := looksCrypto(ticker)

	var best *resolvedAsset
	for _, candidate := range candidates {
		asset, ok, err := c.GetAsset(ctx, creds, candidate)
		if err != nil || !ok || !asset.Tradable {
			continue
		}
		isCrypto := strings.Contains(strings.ToLower(asset.Class), "crypto") || strings.Contains(candidate, "/")
		ra := &resolvedAsset{symbol: candidate, asset: asset, isCrypto: isCrypto}

		if best == nil {
			best = ra
			continue
		}
		if wantsCrypto && ra.isCrypto && !best.isCrypto {
			best = ra
			continue
		}
		if !wantsCrypto && asset.Fractionable && !best.asset.Fractionable {
			best = ra
		}
	}

	if best == nil {
		return types.SymbolResolution{}, coordutil.NotFound(fmt.Sprintf("no tradable asset found for %q", ticker))
	}

	positionSymbol := strings.ReplaceAll(best.symbol, "/", "")
	return types.SymbolResolution{
		OrderSymbol:    best.symbol,
		PositionSymbol: positionSymbol,
		IsCrypto:       best.isCrypto,
	}, nil
}

type resolvedAsset struct {
	symbol   string
	asset    Asset
	isCrypto bool
}
