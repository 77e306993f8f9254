package polymarket

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/predictmkt/tradefeed/internal/model"
)

func packOrderFilled(t *testing.T, makerAssetID, takerAssetID, makerAmount, takerAmount *big.Int) []byte {
	t.Helper()
	data, err := orderFilledArgs.Pack(makerAssetID, takerAssetID, makerAmount, takerAmount)
	require.NoError(t, err)
	return data
}

func TestDecodeTrade_BuySide(t *testing.T) {
	tokenID := big.NewInt(987654321)
	data := packOrderFilled(t, big.NewInt(0), tokenID, big.NewInt(550_000), big.NewInt(1_000_000))

	l := types.Log{
		Data:        data,
		Topics:      []common.Hash{orderFilledSig, common.BigToHash(tokenID)},
		TxHash:      common.HexToHash("0xabc123"),
		Index:       2,
		BlockNumber: 42,
	}

	trade, err := decodeTrade(l)
	require.NoError(t, err)
	require.Equal(t, model.Buy, trade.Side)
	require.True(t, trade.Qty.Equal(decimal.RequireFromString("1")))
	require.True(t, trade.Price.Equal(decimal.RequireFromString("0.55")))
	require.Equal(t, model.PolymarketDedupeKey(l.TxHash.Hex(), uint(l.Index)), trade.DedupeKey)
	require.NotNil(t, trade.TxHash)
	require.Equal(t, l.TxHash.Hex(), *trade.TxHash)
}

func TestDecodeTrade_SellSide(t *testing.T) {
	tokenID := big.NewInt(555)
	data := packOrderFilled(t, tokenID, big.NewInt(0), big.NewInt(2_000_000), big.NewInt(900_000))

	l := types.Log{
		Data:        data,
		Topics:      []common.Hash{orderFilledSig, common.BigToHash(tokenID)},
		TxHash:      common.HexToHash("0xdef456"),
		Index:       0,
		BlockNumber: 43,
	}

	trade, err := decodeTrade(l)
	require.NoError(t, err)
	require.Equal(t, model.Sell, trade.Side)
	require.True(t, trade.Qty.Equal(decimal.RequireFromString("2")))
	require.True(t, trade.Price.Equal(decimal.RequireFromString("0.45")))
}

func TestDecodeTrade_ZeroQuantityRejected(t *testing.T) {
	data := packOrderFilled(t, big.NewInt(0), big.NewInt(1), big.NewInt(0), big.NewInt(0))
	l := types.Log{Data: data, Topics: []common.Hash{orderFilledSig, common.BigToHash(big.NewInt(1))}}

	_, err := decodeTrade(l)
	require.Error(t, err)
}
