package funding

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/pbcex/settlement/internal/account"
	"github.com/pbcex/settlement/internal/asset"
	"github.com/pbcex/settlement/internal/ledger"
	"github.com/pbcex/settlement/internal/logging"
)

type rejectingCustodian struct{ StaticCustodian }

func (rejectingCustodian) AuthorizeWithdrawal(context.Context, WithdrawalAuthorization) (CustodianDecision, error) {
	return CustodianDecision{}, errors.New("destination on deny list")
}

func newTestService(t *testing.T, custodian Custodian) (*Service, *ledger.Service) {
	t.Helper()
	ledgerSvc := ledger.NewService(ledger.NewInMemory(), asset.DefaultRegistry(), logging.Discard())
	dir := account.NewDirectory(account.NewMemoryRepository(), "")
	if _, err := dir.Provision(context.Background(), "user-1"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	return NewService(ledgerSvc, dir, asset.DefaultRegistry(), custodian, logging.Discard()), ledgerSvc
}

func TestServiceDeposit(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, nil)

	res, err := service.Deposit(ctx, DepositInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.RequireFromString("2.5"), TxRef: "0xabc"})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.Status != StatusCredited || !res.Available.Equal(decimal.RequireFromString("2.5")) || res.CustodianReference == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	dup, err := service.Deposit(ctx, DepositInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.RequireFromString("2.5"), TxRef: "0xabc"})
	if !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if dup.JournalID != res.JournalID || !dup.Available.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("duplicate credited twice: %+v", dup)
	}

	if _, err := service.Deposit(ctx, DepositInput{UserID: "user-1", Asset: asset.XAUS, Amount: decimal.NewFromInt(1), TxRef: "x"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("synthetic deposit should be invalid, got %v", err)
	}
}

func TestServiceWithdraw(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, nil)
	if _, err := service.Deposit(ctx, DepositInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(3), TxRef: "d1"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	res, err := service.Withdraw(ctx, WithdrawalInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(2), ClientTxID: "w1", Destination: "0xdef"})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !res.Available.Equal(decimal.NewFromInt(1)) || res.Status != StatusSubmitted {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := service.Withdraw(ctx, WithdrawalInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(2), ClientTxID: "w2", Destination: "0xdef"}); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestServiceWithdrawReversedOnCustodianRejection(t *testing.T) {
	ctx := context.Background()
	service, ledgerSvc := newTestService(t, rejectingCustodian{})
	if _, err := service.Deposit(ctx, DepositInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(1), TxRef: "d1"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	_, err := service.Withdraw(ctx, WithdrawalInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(1), ClientTxID: "w1", Destination: "0xbad"})
	if !errors.Is(err, ErrCustodianRejected) {
		t.Fatalf("expected custodian rejection, got %v", err)
	}

	funding, _ := service.accounts.Resolve(ctx, "user-1", account.Funding)
	b, err := ledgerSvc.Balance(ctx, funding, asset.PAXG)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Available().Equal(decimal.NewFromInt(1)) {
		t.Fatalf("rejected withdrawal not reversed, available %s", b.Available())
	}
	rows, _ := ledgerSvc.GetTrialBalance(ctx)
	for _, r := range rows {
		if !r.Balanced() {
			t.Fatalf("unbalanced %s", r.Asset)
		}
	}
}

func TestServiceWithdrawRetryAfterRejectionStaysDeclined(t *testing.T) {
	ctx := context.Background()
	service, ledgerSvc := newTestService(t, rejectingCustodian{})
	if _, err := service.Deposit(ctx, DepositInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(1), TxRef: "d1"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	in := WithdrawalInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(1), ClientTxID: "w1", Destination: "0xbad"}
	if _, err := service.Withdraw(ctx, in); !errors.Is(err, ErrCustodianRejected) {
		t.Fatalf("expected custodian rejection, got %v", err)
	}

	res, err := service.Withdraw(ctx, in)
	if !errors.Is(err, ErrCustodianRejected) {
		t.Fatalf("retry should report the decline, got %v", err)
	}
	if res.Status != StatusReversed || !res.Available.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected retry result %+v", res)
	}
	if _, err := ledgerSvc.JournalByReference(ctx, ledger.ReversalReference(res.JournalID)); err != nil {
		t.Fatalf("reversal journal missing: %v", err)
	}
}

func TestServiceWithdrawReplayAndReuse(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, nil)
	if _, err := service.Deposit(ctx, DepositInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(3), TxRef: "d1"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	in := WithdrawalInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(1), ClientTxID: "w1", Destination: "0xdef"}
	first, err := service.Withdraw(ctx, in)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	again, err := service.Withdraw(ctx, in)
	if !errors.Is(err, ledger.ErrDuplicateReference) || again.JournalID != first.JournalID || again.Status != StatusSubmitted {
		t.Fatalf("expected replay of %s, got %+v (%v)", first.JournalID, again, err)
	}

	cases := map[string]WithdrawalInput{
		"amount":      {UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(2), ClientTxID: "w1", Destination: "0xdef"},
		"destination": {UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(1), ClientTxID: "w1", Destination: "0xother"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := service.Withdraw(ctx, tc); !errors.Is(err, ErrReferenceReuse) {
				t.Fatalf("expected reference reuse, got %v", err)
			}
		})
	}
}

func TestServiceDepositRejectsReusedTxRef(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, nil)
	if _, err := service.accounts.Provision(ctx, "user-2"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := service.Deposit(ctx, DepositInput{UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(2), TxRef: "0xabc"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	cases := map[string]DepositInput{
		"other user":   {UserID: "user-2", Asset: asset.PAXG, Amount: decimal.NewFromInt(2), TxRef: "0xabc"},
		"other amount": {UserID: "user-1", Asset: asset.PAXG, Amount: decimal.NewFromInt(3), TxRef: "0xabc"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := service.Deposit(ctx, tc)
			if !errors.Is(err, ErrReferenceReuse) {
				t.Fatalf("expected reference reuse, got %v", err)
			}
			if res.JournalID != "" {
				t.Fatalf("reused tx_ref leaked journal %s", res.JournalID)
			}
		})
	}
}
