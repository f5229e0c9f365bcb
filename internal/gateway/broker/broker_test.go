package broker

import (
	"context"
	"testing"

	"execcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct{ name string }

func (s stubGateway) Name() string { return s.name }
func (s stubGateway) SendOrder(context.Context, OrderRequest) (OrderResult, error) {
	return OrderResult{}, nil
}
func (s stubGateway) CancelOrder(context.Context, string, string) error { return nil }
func (s stubGateway) GetPositions(context.Context) ([]types.BrokerPosition, error) {
	return nil, nil
}
func (s stubGateway) GetAccount(context.Context) (Account, error) { return Account{}, nil }
func (s stubGateway) CloseAllPositions(context.Context) error     { return nil }

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(" Paper ", stubGateway{"paper"}, stubGateway{"okx"}, stubGateway{"binance"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "paper", r.Primary().Name())
	gw, ok := r.Get("")
	require.True(t, ok)
	assert.Equal(t, "paper", gw.Name())
	gw, ok = r.Get("BINANCE")
	require.True(t, ok)
	assert.Equal(t, "binance", gw.Name())
	_, ok = r.Get("kraken")
	assert.False(t, ok)

	others := r.Others()
	require.Len(t, others, 2)
	assert.Equal(t, "binance", others[0].Name())
	assert.Equal(t, "okx", others[1].Name())
}

func TestRegistryErrors(t *testing.T) {
	_, err := NewRegistry("paper", stubGateway{"binance"})
	assert.Error(t, err)
	_, err = NewRegistry("paper", stubGateway{"paper"}, stubGateway{"PAPER"})
	assert.Error(t, err)
}
