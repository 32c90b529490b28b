package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// transferEventSig is the keccak of Transfer(address,address,uint256).
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// TokenTransfer is one stable-token Transfer event observed in a receipt.
type TokenTransfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// TransfersFrom scans a receipt's event log for stable-token transfers
// originating from the given address. This is how distribution amounts are
// derived from chain truth after a release or refund: the sum of outgoing
// transfers, not any assumed percentage, is authoritative.
func (c *Client) TransfersFrom(receipt *types.Receipt, from common.Address) []TokenTransfer {
	var out []TokenTransfer
	if receipt == nil {
		return out
	}
	for _, log := range receipt.Logs {
		if log.Address != c.token {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != transferEventSig {
			continue
		}
		eventFrom := common.HexToAddress(log.Topics[1].Hex())
		if eventFrom != from {
			continue
		}
		out = append(out, TokenTransfer{
			From:   eventFrom,
			To:     common.HexToAddress(log.Topics[2].Hex()),
			Amount: new(big.Int).SetBytes(log.Data),
		})
	}
	return out
}
