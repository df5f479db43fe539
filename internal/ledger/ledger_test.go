package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/gpuconnect/internal/models"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/narvanalabs/gpuconnect/internal/store/memory"
	"github.com/narvanalabs/gpuconnect/internal/store/storetest"
	"github.com/shopspring/decimal"
)

// runningJob creates a job owned by submitter and assigns it to a node owned by provider.
func runningJob(t testing.TB, st store.Store, submitter, provider string) *models.Job {
	t.Helper()
	ctx := context.Background()

	node := storetest.NewNode("node-"+provider, provider, "llama3")
	if err := st.Nodes().Upsert(ctx, node); err != nil {
		t.Fatalf("upsert node: %v", err)
	}
	job := storetest.NewJob(submitter, "llama3")
	if err := st.Jobs().Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.Jobs().Assign(ctx, job.ID, node.ID, 10, time.Now().UTC()); err != nil {
		t.Fatalf("assign job: %v", err)
	}
	job.NodeID = node.ID
	return job
}

func entriesOfKind(t testing.TB, st store.Store, jobID string, kind models.EntryKind) int {
	t.Helper()
	entries, err := st.Ledger().ListByJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestComplete_CreditsProviderOnly(t *testing.T) {
	st := memory.New()
	l := New(st, nil, nil)
	ctx := context.Background()

	if err := l.Deposit(ctx, "bob", decimal.NewFromInt(5)); err != nil {
		t.Fatal(err)
	}
	job := runningJob(t, st, "bob", "alice")

	outcome, err := l.Complete(ctx, job.ID, json.RawMessage(`{"output":"hi"}`), job.NodeID, "alice")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !outcome.Applied || outcome.Job.Status != models.JobStatusCompleted {
		t.Fatalf("outcome = %+v, want applied COMPLETED", outcome)
	}
	if !outcome.Job.Cost.Equal(decimal.RequireFromString("1.00")) {
		t.Errorf("Cost = %s, want 1.00", outcome.Job.Cost)
	}

	alice, _ := l.Balance(ctx, "alice")
	if !alice.Equal(decimal.RequireFromString("0.80")) {
		t.Errorf("provider balance = %s, want 0.80", alice)
	}
	bob, _ := l.Balance(ctx, "bob")
	if !bob.Equal(decimal.NewFromInt(5)) {
		t.Errorf("submitter balance = %s, want untouched 5", bob)
	}
}

func TestComplete_UnknownJob(t *testing.T) {
	l := New(memory.New(), nil, nil)
	_, err := l.Complete(context.Background(), "ghost", nil, "n", "alice")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Complete(unknown) error = %v, want ErrJobNotFound", err)
	}
}

func TestComplete_WrongNodeIsNoop(t *testing.T) {
	st := memory.New()
	l := New(st, nil, nil)
	job := runningJob(t, st, "bob", "alice")

	outcome, err := l.Complete(context.Background(), job.ID, nil, "someone-else", "mallory")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Applied {
		t.Error("result from a node that does not hold the job must not settle it")
	}
	if n := entriesOfKind(t, st, job.ID, models.EntryKindProviderCredit); n != 0 {
		t.Errorf("provider credits = %d, want 0", n)
	}
}

func TestFail_RefundOnlyWhenEnabled(t *testing.T) {
	for _, refund := range []bool{false, true} {
		t.Run(fmt.Sprintf("refund=%v", refund), func(t *testing.T) {
			st := memory.New()
			cfg := DefaultConfig()
			cfg.RefundOnFailure = refund
			l := New(st, cfg, nil)
			ctx := context.Background()

			if err := l.Deposit(ctx, "bob", decimal.NewFromInt(1)); err != nil {
				t.Fatal(err)
			}
			job, err := l.Submit(ctx, "bob", "llama3", nil)
			if err != nil {
				t.Fatal(err)
			}
			if err := st.Nodes().Upsert(ctx, storetest.NewNode("n", "alice", "llama3")); err != nil {
				t.Fatal(err)
			}
			if err := st.Jobs().Assign(ctx, job.ID, "n", 1, time.Now()); err != nil {
				t.Fatal(err)
			}

			outcome, err := l.Fail(ctx, job.ID, "out of memory", "n")
			if err != nil || !outcome.Applied {
				t.Fatalf("Fail() = %+v, %v", outcome, err)
			}
			if outcome.Job.Error != "out of memory" {
				t.Errorf("Error = %q", outcome.Job.Error)
			}

			balance, _ := l.Balance(ctx, "bob")
			want := decimal.Zero
			if refund {
				want = decimal.NewFromInt(1)
			}
			if !balance.Equal(want) {
				t.Errorf("submitter balance = %s, want %s", balance, want)
			}
			wantEntries := 0
			if refund {
				wantEntries = 1
			}
			if n := entriesOfKind(t, st, job.ID, models.EntryKindFailureRefund); n != wantEntries {
				t.Errorf("refund entries = %d, want %d", n, wantEntries)
			}
		})
	}
}

func TestSubmit_InsufficientFundsCreatesNothing(t *testing.T) {
	st := memory.New()
	l := New(st, nil, nil)
	ctx := context.Background()

	if err := l.Deposit(ctx, "bob", decimal.RequireFromString("0.50")); err != nil {
		t.Fatal(err)
	}
	_, err := l.Submit(ctx, "bob", "llama3", nil)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Submit() error = %v, want ErrInsufficientFunds", err)
	}

	pending, err := st.Jobs().ListPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending jobs = %d, want 0", len(pending))
	}
	entries, _ := l.Entries(ctx, "bob", 10)
	if len(entries) != 1 || entries[0].Kind != models.EntryKindDeposit {
		t.Errorf("entries = %v, want only the deposit", entries)
	}
	balance, _ := l.Balance(ctx, "bob")
	if !balance.Equal(decimal.RequireFromString("0.50")) {
		t.Errorf("balance = %s, want 0.50", balance)
	}
}

func TestSubmit_DebitsAndCreatesPending(t *testing.T) {
	st := memory.New()
	l := New(st, nil, nil)
	ctx := context.Background()

	if err := l.Deposit(ctx, "bob", decimal.NewFromInt(3)); err != nil {
		t.Fatal(err)
	}
	job, err := l.Submit(ctx, "bob", " llama3 ", json.RawMessage(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusPending || job.Capability != "llama3" {
		t.Errorf("job = %+v", job)
	}
	balance, _ := l.Balance(ctx, "bob")
	if !balance.Equal(decimal.NewFromInt(2)) {
		t.Errorf("balance = %s, want 2", balance)
	}
	if n := entriesOfKind(t, st, job.ID, models.EntryKindSubmissionDebit); n != 1 {
		t.Errorf("submission debits = %d, want 1", n)
	}

	if _, err := l.Submit(ctx, "bob", "  ", nil); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("Submit(blank capability) error = %v, want ErrInvalidSubmission", err)
	}
}

// **Feature: gpuconnect, Property 6: Settlement is idempotent**
// Any number of duplicate results for one job produce exactly one provider credit, and the
// stored result is the first delivered payload.
func TestProperty_SettlementIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("duplicate results settle once", prop.ForAll(
		func(outputs []string) bool {
			st := memory.New()
			l := New(st, nil, nil)
			ctx := context.Background()
			job := runningJob(t, st, "bob", "alice")

			applied := 0
			for _, out := range outputs {
				payload, _ := json.Marshal(map[string]string{"output": out})
				outcome, err := l.Complete(ctx, job.ID, payload, job.NodeID, "alice")
				if err != nil {
					return false
				}
				if outcome.Applied {
					applied++
				}
			}

			stored, err := st.Jobs().Get(ctx, job.ID)
			if err != nil {
				return false
			}
			first, _ := json.Marshal(map[string]string{"output": outputs[0]})
			balance, _ := l.Balance(ctx, "alice")

			return applied == 1 &&
				entriesOfKind(t, st, job.ID, models.EntryKindProviderCredit) == 1 &&
				string(stored.Result) == string(first) &&
				balance.Equal(l.ProviderCredit())
		},
		gen.SliceOfN(5, gen.AlphaString()).SuchThat(func(v []string) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}

// **Feature: gpuconnect, Property 7: Complete and fail race to one winner**
// When complete and fail run concurrently for one job exactly one of them applies.
func TestProperty_CompleteFailRace(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one settlement applies", prop.ForAll(
		func(racers int) bool {
			st := memory.New()
			l := New(st, nil, nil)
			ctx := context.Background()
			job := runningJob(t, st, "bob", "alice")

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				applied int
			)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					var outcome Outcome
					if i%2 == 0 {
						outcome, _ = l.Complete(ctx, job.ID, json.RawMessage(`"ok"`), job.NodeID, "alice")
					} else {
						outcome, _ = l.Fail(ctx, job.ID, "boom", job.NodeID)
					}
					if outcome.Applied {
						mu.Lock()
						applied++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			stored, err := st.Jobs().Get(ctx, job.ID)
			if err != nil || !stored.Status.IsTerminal() {
				return false
			}
			credits := entriesOfKind(t, st, job.ID, models.EntryKindProviderCredit)
			if stored.Status == models.JobStatusCompleted && credits != 1 {
				return false
			}
			if stored.Status == models.JobStatusFailed && credits != 0 {
				return false
			}
			return applied == 1
		},
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}
