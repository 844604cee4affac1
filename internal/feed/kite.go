package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "stock-alerter/internal/errors"
)

// ltpClient is the part of the Kite Connect client used for quotes.
type ltpClient interface {
	GetLTP(instruments ...string) (kiteconnect.QuoteLTP, error)
}

// KiteSource fetches last traded prices from Zerodha Kite Connect.
type KiteSource struct {
	client   ltpClient
	exchange string
}

// NewKiteSource creates a KiteSource for an authenticated session.
func NewKiteSource(apiKey, accessToken, exchange string) *KiteSource {
	client := kiteconnect.New(apiKey)
	client.SetAccessToken(accessToken)
	return newKiteSource(client, exchange)
}

func newKiteSource(client ltpClient, exchange string) *KiteSource {
	if exchange == "" {
		exchange = "NSE"
	}
	return &KiteSource{client: client, exchange: strings.ToUpper(exchange)}
}

func (k *KiteSource) Name() string { return "kite" }

// Quote fetches the last traded price for ticker on the configured exchange.
// The Kite client does not take a context, so cancellation is only checked
// before the call.
func (k *KiteSource) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	symbol := fmt.Sprintf("%s:%s", k.exchange, strings.ToUpper(ticker))
	quotes, err := k.client.GetLTP(symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get LTP: %w", err)
	}

	q, ok := quotes[symbol]
	if !ok || q.LastPrice <= 0 {
		return decimal.Zero, fmt.Errorf("%w for %s", apperrors.ErrNoQuote, symbol)
	}
	return decimal.NewFromFloat(q.LastPrice), nil
}
