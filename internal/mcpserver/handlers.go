package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/clearhold/clearhold/internal/units"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ClearholdClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ClearholdClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow looks up an escrow by ID or alias.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	alias := req.GetString("alias", "")
	if id == "" && alias == "" {
		return mcp.NewToolResultError("escrow_id or alias is required"), nil
	}

	var raw json.RawMessage
	var err error
	if id != "" {
		raw, err = h.client.GetEscrow(ctx, id)
	} else {
		raw, err = h.client.GetEscrowByAlias(ctx, alias)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists the party's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrowEvents returns the audit trail for an escrow.
func (h *Handlers) HandleGetEscrowEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListEvents(ctx, id, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get events: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleCreateEscrow opens a new escrow with a counterparty.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counterparty := req.GetString("counterparty", "")
	if counterparty == "" {
		return mcp.NewToolResultError("counterparty is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	amountMinor, err := units.Parse(amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid amount: %v", err)), nil
	}

	payer := h.client.cfg.Party
	recipient := counterparty
	if req.GetString("side", "payer") == "recipient" {
		payer, recipient = counterparty, h.client.cfg.Party
	}

	raw, err := h.client.CreateEscrow(ctx, payer, recipient, amountMinor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create escrow: %v", err)), nil
	}

	info, err := parseEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow created.\n\n"+
			"ID: %s\nAlias: %s\nPayer: %s\nRecipient: %s\nAmount: %s\nStatus: %s\n\n"+
			"The counterparty must accept before anything touches the chain.",
		info.ID, info.Alias, info.Payer, info.Recipient,
		units.Format(info.TotalMinor), info.Status)), nil
}

// HandleAcceptEscrow accepts a pending escrow.
func (h *Handlers) HandleAcceptEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.AcceptEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to accept escrow: %v", err)), nil
	}

	info, err := parseEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s accepted.\n\nStatus: %s\n", info.ID, info.Status)
	if info.VaultAddr != "" {
		fmt.Fprintf(&sb, "Vault address: %s\n\n", info.VaultAddr)
		fmt.Fprintf(&sb, "The payer should send %s tokens to the vault address. "+
			"Deployment happens automatically once the funds arrive.",
			units.Format(info.TotalMinor))
	} else {
		sb.WriteString("\nThe vault address could not be predicted yet (wallet not " +
			"registered in the directory). It will be retried automatically.")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDeclineEscrow declines a pending escrow.
func (h *Handlers) HandleDeclineEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	if _, err := h.client.DeclineEscrow(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to decline escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Escrow %s declined.", id)), nil
}

// HandleApproveRelease approves a full release.
func (h *Handlers) HandleApproveRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ApproveRelease(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to approve release: %v", err)), nil
	}

	info, err := parseEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	if info.PayerApproved && info.RecipientApproved {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Both parties have approved. The operator is executing the release.\n\nStatus: %s", info.Status)), nil
	}
	return mcp.NewToolResultText(
		"Approval recorded. Waiting for the counterparty's approval before the release executes."), nil
}

// HandleRequestCancel asks for a mutual cancellation.
func (h *Handlers) HandleRequestCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.RequestCancel(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request cancellation: %v", err)), nil
	}

	info, err := parseEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	if info.PayerWantsCancel && info.RecipientWantsCancel {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Both parties want to cancel. The operator is returning the balance to the payer.\n\nStatus: %s", info.Status)), nil
	}
	return mcp.NewToolResultText(
		"Cancellation requested. The counterparty must also request it before the refund executes."), nil
}

// HandleCheckDeploy runs one funding-detection pass for an escrow.
func (h *Handlers) HandleCheckDeploy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.CheckDeploy(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Deployment check failed: %v", err)), nil
	}

	info, err := parseEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Deployment check complete.\n\nStatus: %s\n", info.Status)
	if info.Deployed {
		fmt.Fprintf(&sb, "Vault deployed at %s.\n", info.VaultAddr)
	} else {
		sb.WriteString("No funds detected at the vault address yet.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSyncEscrow re-derives an escrow from chain truth.
func (h *Handlers) HandleSyncEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.SyncEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sync failed: %v", err)), nil
	}

	text, err := formatEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText("Synced from chain state.\n\n" + text), nil
}

// HandlePlatformInfo returns platform configuration.
func (h *Handlers) HandlePlatformInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PlatformInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform info: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Response parsing and formatting ---

// escrowInfo is the subset of escrow fields the tools render.
type escrowInfo struct {
	ID                   string `json:"id"`
	Alias                string `json:"alias"`
	Payer                string `json:"payer"`
	Recipient            string `json:"recipient"`
	TotalMinor           int64  `json:"totalMinor"`
	RemainingMinor       int64  `json:"remainingMinor"`
	ReleasedMinor        int64  `json:"releasedMinor"`
	VaultAddr            string `json:"vaultAddr"`
	Status               string `json:"status"`
	Deployed             bool   `json:"deployed"`
	PayerApproved        bool   `json:"payerApproved"`
	RecipientApproved    bool   `json:"recipientApproved"`
	PayerWantsCancel     bool   `json:"payerWantsCancel"`
	RecipientWantsCancel bool   `json:"recipientWantsCancel"`
}

func parseEscrowResponse(raw json.RawMessage) (*escrowInfo, error) {
	var wrapper struct {
		Escrow *escrowInfo `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Escrow != nil {
		return wrapper.Escrow, nil
	}

	var info escrowInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("unexpected escrow response format")
	}
	return &info, nil
}

func formatEscrowResponse(raw json.RawMessage) (string, error) {
	info, err := parseEscrowResponse(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s (%s)\n", info.ID, info.Alias)
	fmt.Fprintf(&sb, "Status: %s\n", info.Status)
	fmt.Fprintf(&sb, "Payer: %s\n", info.Payer)
	fmt.Fprintf(&sb, "Recipient: %s\n", info.Recipient)
	fmt.Fprintf(&sb, "Total: %s | Remaining: %s | Released: %s\n",
		units.Format(info.TotalMinor), units.Format(info.RemainingMinor), units.Format(info.ReleasedMinor))
	if info.VaultAddr != "" {
		fmt.Fprintf(&sb, "Vault: %s (deployed: %t)\n", info.VaultAddr, info.Deployed)
	}
	if info.PayerApproved || info.RecipientApproved {
		fmt.Fprintf(&sb, "Approvals: payer=%t recipient=%t\n", info.PayerApproved, info.RecipientApproved)
	}
	if info.PayerWantsCancel || info.RecipientWantsCancel {
		fmt.Fprintf(&sb, "Cancel requests: payer=%t recipient=%t\n", info.PayerWantsCancel, info.RecipientWantsCancel)
	}
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Escrows []escrowInfo `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}

	if len(wrapper.Escrows) == 0 {
		return "No escrows found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(wrapper.Escrows))
	for i, e := range wrapper.Escrows {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, e.Alias, e.ID)
		fmt.Fprintf(&sb, "   %s -> %s | %s | %s\n",
			e.Payer, e.Recipient, units.Format(e.TotalMinor), e.Status)
		if i < len(wrapper.Escrows)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
