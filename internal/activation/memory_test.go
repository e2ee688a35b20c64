package activation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedMemory(t *testing.T) (*InMemory, Credential) {
	t.Helper()
	m := NewInMemory()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := m.CreateEntry(context.Background(), WhitelistEntry{
		ID: "entry-1", Identifier: "ana@example.org", IdentifierKind: KindEmail, Role: "encargado", DisplayName: "Ana", CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	c := Credential{ID: "cred-1", EntryID: e.ID, LookupKey: "key-1", Digest: "d", ExpiresAt: now.Add(time.Hour), IssuedAt: now}
	if _, err := m.IssueCredential(context.Background(), c); err != nil {
		t.Fatalf("IssueCredential: %v", err)
	}
	return m, c
}

func TestWithLockRollsBackConsumptionOnError(t *testing.T) {
	m, c := seedMemory(t)
	at := c.IssuedAt.Add(time.Minute)
	boom := errors.New("account subsystem down")

	err := m.WithLock(context.Background(), c.ID, func(l Locked) error {
		if _, err := l.RecordAttempt(context.Background(), "203.0.113.9", at); err != nil {
			return err
		}
		if _, err := l.Consume(context.Background(), NewAccount{ID: "acct-1", PasswordHash: "h", At: at, Threshold: 5}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := m.GetCredential(context.Background(), c.ID)
	if got.Used || got.ConsumedBy != "" || got.UsedAt != nil {
		t.Fatalf("credential consumption not rolled back: %+v", got)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts must survive rollback, got %d", got.Attempts)
	}
	e, _ := m.GetEntry(context.Background(), c.EntryID)
	if e.Activated || e.AccountID != "" || e.ActivatedAt != nil {
		t.Fatalf("entry not rolled back: %+v", e)
	}
	if _, err := m.GetAccount(context.Background(), "acct-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("account not rolled back")
	}

	// the credential is still consumable afterwards
	err = m.WithLock(context.Background(), c.ID, func(l Locked) error {
		_, err := l.Consume(context.Background(), NewAccount{ID: "acct-2", PasswordHash: "h", At: at, Threshold: 5})
		return err
	})
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
}

func TestConsumeRevalidatesUnderLock(t *testing.T) {
	m, c := seedMemory(t)
	late := c.ExpiresAt.Add(time.Second)

	err := m.WithLock(context.Background(), c.ID, func(l Locked) error {
		_, err := l.Consume(context.Background(), NewAccount{ID: "acct-1", At: late, Threshold: 5})
		return err
	})
	r, ok := AsRejection(err)
	if !ok || r.Class != ClassExpired {
		t.Fatalf("expected expired rejection, got %v", err)
	}
	if _, err := m.GetAccount(context.Background(), "acct-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("rejected consume wrote an account")
	}
}

func TestWithLockHonoursDeadlineWhileWaiting(t *testing.T) {
	m, c := seedMemory(t)
	held := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.WithLock(context.Background(), c.ID, func(Locked) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithLock(ctx, c.ID, func(Locked) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	wg.Wait()
}

func TestAttemptsAreTotallyOrdered(t *testing.T) {
	m, c := seedMemory(t)
	const n = 50
	seen := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.RecordAttempt(context.Background(), c.ID, "o", c.IssuedAt)
			if err != nil {
				t.Errorf("RecordAttempt: %v", err)
				return
			}
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	values := make(map[int]bool, n)
	for v := range seen {
		if values[v] {
			t.Fatalf("attempt value %d observed twice", v)
		}
		values[v] = true
	}
	got, _ := m.GetCredential(context.Background(), c.ID)
	if got.Attempts != n || len(values) != n {
		t.Fatalf("attempts = %d, distinct = %d", got.Attempts, len(values))
	}
}

func TestIssueCredentialDuplicateKey(t *testing.T) {
	m, c := seedMemory(t)
	dup := c
	dup.ID = "cred-2"
	if _, err := m.IssueCredential(context.Background(), dup); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	got, _ := m.GetCredential(context.Background(), c.ID)
	if got.Revoked {
		t.Fatal("failed issue must not revoke the existing credential")
	}
}

func TestConcurrentReissueLeavesOneActive(t *testing.T) {
	m, c := seedMemory(t)
	ctx := context.Background()
	const rounds, issuers = 200, 4
	for r := 0; r < rounds; r++ {
		var wg sync.WaitGroup
		for i := 0; i < issuers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := c
				next.ID = fmt.Sprintf("cred-%d-%d", r, i)
				next.LookupKey = "key-" + next.ID
				if _, err := m.IssueCredential(ctx, next); err != nil {
					t.Errorf("IssueCredential: %v", err)
				}
			}(i)
		}
		wg.Wait()

		_, active, err := m.ListCredentials(ctx, CredentialFilter{EntryID: c.EntryID, Status: StateActive, Now: c.IssuedAt, Threshold: 5})
		if err != nil {
			t.Fatalf("ListCredentials: %v", err)
		}
		if active != 1 {
			t.Fatalf("round %d: %d active credentials for one entry", r, active)
		}
	}
}

func TestLocksAreReleasedFromTheMap(t *testing.T) {
	m, c := seedMemory(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		next := c
		next.ID = fmt.Sprintf("cred-x%d", i)
		next.LookupKey = "key-" + next.ID
		if _, err := m.IssueCredential(ctx, next); err != nil {
			t.Fatalf("IssueCredential: %v", err)
		}
		if _, err := m.RecordAttempt(ctx, next.ID, "o", c.IssuedAt); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	// a waiter that gives up must not pin the lock either
	unlock, err := m.lock(ctx, c.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := m.lock(short, c.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	unlock()

	m.locksMu.Lock()
	n := len(m.locks)
	m.locksMu.Unlock()
	if n != 0 {
		t.Fatalf("%d locks left in the map", n)
	}
}
