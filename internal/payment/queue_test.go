package payment

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/pkg/logger"
)

const addr = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

type fakeChains map[string]string

func (f fakeChains) NativeSymbol(chain string) (string, bool) {
	s, ok := f[chain]
	return s, ok
}

func newQueue(sub Submitter) *Queue {
	return NewQueue(NewMemoryStore(),
		WithSubmitter(sub),
		WithChains(fakeChains{"ethereum": "ETH", "polygon": "POL"}),
		WithLogger(logger.Discard(), logger.Discard()),
	)
}

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"0.5":                  "500000000000000000",
		"1":                    "1000000000000000000",
		"0.000000000000000001": "1",
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		if err != nil {
			t.Fatalf("parse %s: %v", in, err)
		}
		if got.String() != want {
			t.Fatalf("parse %s: expected %s, got %s", in, want, got)
		}
	}
	for _, bad := range []string{"", "abc", "0", "-1", "0.0000000000000000001", "1/2", "5e-1", "1e9", ".5", "1.", "+1", "0x10"} {
		if _, err := ParseAmount(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestEnqueueValidates(t *testing.T) {
	q := newQueue(nil)
	ctx := context.Background()

	req, err := q.Enqueue(ctx, EnqueueRequest{Agent: "finance-1", To: addr, Amount: "0.5", Reason: "hosting"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if req.Status != StatusPending || req.Chain != "ethereum" || req.Token != "ETH" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if _, err := q.Enqueue(ctx, EnqueueRequest{To: "0x123", Amount: "1"}); !xerrors.Is(err, CodePaymentValidation) {
		t.Fatalf("expected invalid address, got %v", err)
	}
	if _, err := q.Enqueue(ctx, EnqueueRequest{To: addr, Amount: "1", Chain: "solana"}); err == nil {
		t.Fatalf("expected unknown chain to be rejected")
	}
}

// 0.5 ETH 请求被拒绝后不会有任何资金移动。
func TestRejectMovesNoFunds(t *testing.T) {
	var sends int32
	q := newQueue(SubmitterFunc(func(context.Context, string, string, *big.Int) (string, error) {
		atomic.AddInt32(&sends, 1)
		return "0xabc", nil
	}))
	ctx := context.Background()
	req, _ := q.Enqueue(ctx, EnqueueRequest{Agent: "a", To: addr, Amount: "0.5"})

	list, _ := q.List(ctx, StatusPending)
	if len(list) != 1 {
		t.Fatalf("expected pending request, got %d", len(list))
	}
	rejected, err := q.Reject(ctx, req.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.DecidedAt == nil || rejected.DecidedBy != DecidedByOperator {
		t.Fatalf("unexpected rejected request: %+v", rejected)
	}
	if atomic.LoadInt32(&sends) != 0 {
		t.Fatalf("reject must not send funds")
	}
	if _, err := q.Reject(ctx, req.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second reject should be NotPending, got %v", err)
	}
	if _, err := q.Approve(ctx, req.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("approve after reject should be NotPending, got %v", err)
	}
}

func TestApproveSendsExactlyOnce(t *testing.T) {
	var sends int32
	var gotWei *big.Int
	q := newQueue(SubmitterFunc(func(_ context.Context, chain, to string, wei *big.Int) (string, error) {
		atomic.AddInt32(&sends, 1)
		gotWei = wei
		return "0xfeed", nil
	}))
	ctx := context.Background()
	req, _ := q.Enqueue(ctx, EnqueueRequest{Agent: "a", To: addr, Amount: "0.25", Chain: "polygon"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Approve(ctx, req.ID); err != nil {
				t.Errorf("approve: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&sends); n != 1 {
		t.Fatalf("expected exactly one send, got %d", n)
	}
	if gotWei.String() != "250000000000000000" {
		t.Fatalf("unexpected wei amount %s", gotWei)
	}
	final, _ := q.Get(ctx, req.ID)
	if final.Status != StatusApproved || final.Submission != SubmissionSent || final.TxHash != "0xfeed" {
		t.Fatalf("unexpected final request: %+v", final)
	}
	if _, err := q.Reject(ctx, req.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("reject after approve should be NotPending, got %v", err)
	}
}

func TestApproveRecordsSubmissionFailure(t *testing.T) {
	q := newQueue(SubmitterFunc(func(context.Context, string, string, *big.Int) (string, error) {
		return "", errors.New("insufficient funds")
	}))
	ctx := context.Background()
	req, _ := q.Enqueue(ctx, EnqueueRequest{Agent: "a", To: addr, Amount: "1"})
	out, err := q.Approve(ctx, req.ID)
	if err != nil {
		t.Fatalf("approve should succeed even when submission fails: %v", err)
	}
	if out.Status != StatusApproved || out.Submission != SubmissionFailed || out.SubmitError == "" {
		t.Fatalf("unexpected request: %+v", out)
	}

	unconfigured := newQueue(nil)
	req2, _ := unconfigured.Enqueue(ctx, EnqueueRequest{Agent: "a", To: addr, Amount: "1"})
	out2, _ := unconfigured.Approve(ctx, req2.ID)
	if out2.Submission != SubmissionFailed {
		t.Fatalf("missing submitter must be recorded as failed submission: %+v", out2)
	}
}

func TestListKeepsCreationOrder(t *testing.T) {
	q := newQueue(nil)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		req, err := q.Enqueue(ctx, EnqueueRequest{Agent: "a", To: addr, Amount: "1"})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, req.ID)
	}
	if _, err := q.Reject(ctx, ids[2]); err != nil {
		t.Fatalf("reject: %v", err)
	}
	all, _ := q.List(ctx, "")
	for i, req := range all {
		if req.ID != ids[i] {
			t.Fatalf("expected creation order at %d", i)
		}
	}
	pending, _ := q.List(ctx, StatusPending)
	if len(pending) != 4 {
		t.Fatalf("expected 4 pending, got %d", len(pending))
	}
	if _, err := q.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
