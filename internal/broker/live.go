package broker

import (
	"context"
	"errors"

	"polymarket-agent/pkg/types"
)

// ErrLiveDisabled is returned by every Live order operation (PlaceLimit,
// Cancel, CancelAllMarket). Real order routing
// needs CLOB credentials and signing, which this build does not carry.
var ErrLiveDisabled = errors.New("live broker is disabled: set mode.trade_mode=paper")

// Live is a placeholder for real exchange execution. Constructing it is
// allowed (so wiring can be exercised in shadow setups) but every order
// operation fails loudly; OnBook and OnTrade return no fills and no error.
type Live struct{}

// NewLive returns the stub live broker.
func NewLive() *Live { return &Live{} }

func (l *Live) PlaceLimit(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	return types.Order{}, ErrLiveDisabled
}

func (l *Live) Cancel(ctx context.Context, orderID string) error { return ErrLiveDisabled }

func (l *Live) CancelAllMarket(ctx context.Context, marketID string) error { return ErrLiveDisabled }

func (l *Live) OnBook(ctx context.Context, marketID string, tob types.TopOfBook) ([]types.Fill, error) {
	return nil, nil
}

func (l *Live) OnTrade(ctx context.Context, marketID string, trade types.TradeTick) ([]types.Fill, error) {
	return nil, nil
}
