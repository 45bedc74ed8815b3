package rate

import (
	"context"

	futures "github.com/adshao/go-binance/v2/futures"
)

// FetchRequestWeightLimit queries the futures exchangeInfo endpoint for the
// REQUEST_WEIGHT per minute limit. It returns 0 when the limit is absent.
func FetchRequestWeightLimit(ctx context.Context, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}
