package server

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearhold/clearhold/internal/operator"
)

// mutualReleaser adapts the relayer to escrow.MutualReleaser.
type mutualReleaser struct {
	r *operator.Relayer
}

func (a *mutualReleaser) ReleaseMutual(ctx context.Context, vaultAddr string) (string, error) {
	if !common.IsHexAddress(vaultAddr) {
		return "", fmt.Errorf("invalid vault address %q", vaultAddr)
	}
	return a.r.MutualRelease(ctx, common.HexToAddress(vaultAddr))
}

// vaultCanceller adapts the relayer to escrow.Canceller.
type vaultCanceller struct {
	r *operator.Relayer
}

func (a *vaultCanceller) Cancel(ctx context.Context, vaultAddr string) (string, error) {
	if !common.IsHexAddress(vaultAddr) {
		return "", fmt.Errorf("invalid vault address %q", vaultAddr)
	}
	return a.r.Cancel(ctx, common.HexToAddress(vaultAddr))
}
