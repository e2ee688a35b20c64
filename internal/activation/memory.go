package activation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Each
// credential and each entry has its own lock; mu guards the maps.
type InMemory struct {
	mu       sync.RWMutex
	entries  map[string]*WhitelistEntry
	entryIDs map[string]string // kind:identifier -> entry id
	creds    map[string]*Credential
	byKey    map[string]string
	accounts map[string]Account
	acctIDs  map[string]string // kind:identifier -> account id

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// keyLock is dropped from the map once refs falls to zero.
type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		entries:  make(map[string]*WhitelistEntry),
		entryIDs: make(map[string]string),
		creds:    make(map[string]*Credential),
		byKey:    make(map[string]string),
		accounts: make(map[string]Account),
		acctIDs:  make(map[string]string),
		locks:    make(map[string]*keyLock),
	}
}

func identityKey(kind IdentifierKind, identifier string) string {
	return string(kind) + ":" + identifier
}

func entryLockKey(id string) string { return "entry:" + id }

// lock acquires the lock named id or gives up when ctx is done.
func (m *InMemory) lock(ctx context.Context, id string) (func(), error) {
	m.locksMu.Lock()
	kl, ok := m.locks[id]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[id] = kl
	}
	kl.refs++
	m.locksMu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return func() {
			<-kl.ch
			m.release(id, kl)
		}, nil
	case <-ctx.Done():
		m.release(id, kl)
		return nil, ctx.Err()
	}
}

func (m *InMemory) release(id string, kl *keyLock) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(m.locks, id)
	}
}

func (m *InMemory) CreateEntry(ctx context.Context, e WhitelistEntry) (WhitelistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identityKey(e.IdentifierKind, e.Identifier)
	if _, dup := m.entryIDs[key]; dup {
		return WhitelistEntry{}, ErrConflict
	}
	if _, dup := m.entries[e.ID]; dup {
		return WhitelistEntry{}, ErrConflict
	}
	stored := e
	m.entries[e.ID] = &stored
	m.entryIDs[key] = e.ID
	return stored, nil
}

func (m *InMemory) GetEntry(ctx context.Context, id string) (WhitelistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return WhitelistEntry{}, ErrNotFound
	}
	return *e, nil
}

// IssueCredential holds the entry lock for the whole call, so the snapshot of
// open credentials cannot go stale before the insert. Entry before credential
// is the lock order.
func (m *InMemory) IssueCredential(ctx context.Context, c Credential) ([]string, error) {
	unlockEntry, err := m.lock(ctx, entryLockKey(c.EntryID))
	if err != nil {
		return nil, err
	}
	defer unlockEntry()

	m.mu.RLock()
	var open []string
	for id, existing := range m.creds {
		if existing.EntryID == c.EntryID && !existing.Used && !existing.Revoked {
			open = append(open, id)
		}
	}
	m.mu.RUnlock()

	// id order keeps credential locks deadlock free
	sort.Strings(open)
	for _, id := range open {
		unlock, err := m.lock(ctx, id)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[c.EntryID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Activated {
		return nil, ErrConflict
	}
	if _, dup := m.byKey[c.LookupKey]; dup {
		return nil, ErrDuplicateKey
	}
	var revoked []string
	for _, id := range open {
		existing := m.creds[id]
		if existing.Used || existing.Revoked {
			continue
		}
		at := c.IssuedAt
		existing.Revoked = true
		existing.RevokedAt = &at
		existing.RevokedBy = c.IssuedBy
		existing.RevokeReason = "reissued"
		revoked = append(revoked, id)
	}
	stored := c
	m.creds[c.ID] = &stored
	m.byKey[c.LookupKey] = c.ID
	return revoked, nil
}

func (m *InMemory) GetCredential(ctx context.Context, id string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return *c, nil
}

func (m *InMemory) LookupByHash(ctx context.Context, lookupKey string) (Credential, WhitelistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[lookupKey]
	if !ok {
		return Credential{}, WhitelistEntry{}, ErrNotFound
	}
	c := m.creds[id]
	e, ok := m.entries[c.EntryID]
	if !ok {
		return Credential{}, WhitelistEntry{}, ErrNotFound
	}
	return *c, *e, nil
}

func (m *InMemory) ListCredentials(ctx context.Context, f CredentialFilter) ([]Credential, int, error) {
	m.mu.RLock()
	var res []Credential
	for _, c := range m.creds {
		if f.EntryID != "" && c.EntryID != f.EntryID {
			continue
		}
		if f.Status != "" && c.State(f.Now, f.Threshold) != f.Status {
			continue
		}
		res = append(res, *c)
	}
	m.mu.RUnlock()

	key := func(c Credential) time.Time { return c.IssuedAt }
	if f.SortBy == SortExpiresAt {
		key = func(c Credential) time.Time { return c.ExpiresAt }
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if !f.Ascending {
			a, b = b, a
		}
		if ka, kb := key(a), key(b); !ka.Equal(kb) {
			return ka.Before(kb)
		}
		return a.ID < b.ID
	})

	total := len(res)
	if f.Offset >= total {
		return nil, total, nil
	}
	res = res[max(f.Offset, 0):]
	if limit := f.PageLimit(); len(res) > limit {
		res = res[:limit]
	}
	return res, total, nil
}

func (m *InMemory) RecordAttempt(ctx context.Context, id, origin string, at time.Time) (int, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return m.recordAttempt(id, origin, at)
}

// recordAttempt requires the credential lock.
func (m *InMemory) recordAttempt(id, origin string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return 0, ErrNotFound
	}
	c.Attempts++
	c.LastAttemptAt = &at
	c.LastAttemptOrigin = origin
	return c.Attempts, nil
}

func (m *InMemory) WithLock(ctx context.Context, id string, fn func(Locked) error) error {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	c, ok := m.creds[id]
	if !ok {
		m.mu.RUnlock()
		return ErrNotFound
	}
	e, ok := m.entries[c.EntryID]
	if !ok {
		m.mu.RUnlock()
		return ErrNotFound
	}
	l := &memLocked{m: m, cred: *c, entry: *e, origCred: *c, origEntry: *e}
	m.mu.RUnlock()

	err = fn(l)
	if err == nil {
		return nil
	}
	if _, ok := AsRejection(err); ok {
		return err
	}
	l.rollback()
	return err
}

func (m *InMemory) Revoke(ctx context.Context, id, actor, reason string, at time.Time) (Credential, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return Credential{}, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	if c.Used || c.Revoked {
		return *c, ErrConflict
	}
	c.Revoked = true
	c.RevokedAt = &at
	c.RevokedBy = actor
	c.RevokeReason = reason
	return *c, nil
}

func (m *InMemory) ArchiveUsedBefore(ctx context.Context, cutoff, at time.Time) ([]Credential, error) {
	m.mu.RLock()
	var due []string
	for id, c := range m.creds {
		if c.Used && c.ArchivedAt == nil && c.UsedAt != nil && c.UsedAt.Before(cutoff) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(due)

	var out []Credential
	for _, id := range due {
		unlock, err := m.lock(ctx, id)
		if err != nil {
			return out, err
		}
		m.mu.Lock()
		c := m.creds[id]
		if c.ArchivedAt == nil {
			stamp := at
			c.ArchivedAt = &stamp
			out = append(out, *c)
		}
		m.mu.Unlock()
		unlock()
	}
	return out, nil
}

func (m *InMemory) CountExpiredUnused(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.creds {
		if !c.Used && !c.Revoked && !now.Before(c.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

func (m *InMemory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

// memLocked applies writes immediately and undoes consumption on rollback; the
// credential lock keeps every other writer out meanwhile. Recorded attempts
// survive a rollback so the counter never moves backwards.
type memLocked struct {
	m         *InMemory
	cred      Credential
	entry     WhitelistEntry
	origCred  Credential
	origEntry WhitelistEntry
	accountID string
}

func (l *memLocked) Credential() Credential { return l.cred }
func (l *memLocked) Entry() WhitelistEntry  { return l.entry }

func (l *memLocked) RecordAttempt(ctx context.Context, origin string, at time.Time) (int, error) {
	n, err := l.m.recordAttempt(l.cred.ID, origin, at)
	if err != nil {
		return 0, err
	}
	l.cred.Attempts = n
	l.cred.LastAttemptAt = &at
	l.cred.LastAttemptOrigin = origin
	return n, nil
}

func (l *memLocked) Consume(ctx context.Context, acct NewAccount) (Account, error) {
	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.creds[l.cred.ID]
	e := m.entries[c.EntryID]
	if rej := CheckConsumable(*c, *e, acct.At, acct.Threshold); rej != nil {
		return Account{}, rej
	}
	key := identityKey(e.IdentifierKind, e.Identifier)
	if _, taken := m.acctIDs[key]; taken {
		return Account{}, reject(ClassAlreadyUsed, ReasonIdentifierTaken)
	}

	at := acct.At
	account := Account{
		ID:             acct.ID,
		EntryID:        e.ID,
		Identifier:     e.Identifier,
		IdentifierKind: e.IdentifierKind,
		Role:           e.Role,
		SupervisorID:   e.SupervisorID,
		DisplayName:    e.DisplayName,
		PasswordHash:   acct.PasswordHash,
		CreatedAt:      at,
	}
	m.accounts[account.ID] = account
	m.acctIDs[key] = account.ID

	c.Used = true
	c.ConsumedBy = account.ID
	c.UsedAt = &at

	e.Activated = true
	e.AccountID = account.ID
	e.ActivatedAt = &at

	l.cred = *c
	l.entry = *e
	l.accountID = account.ID
	return account, nil
}

func (l *memLocked) rollback() {
	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.accountID == "" {
		return
	}
	if c, ok := m.creds[l.origCred.ID]; ok {
		c.Used = l.origCred.Used
		c.ConsumedBy = l.origCred.ConsumedBy
		c.UsedAt = l.origCred.UsedAt
	}
	if e, ok := m.entries[l.origEntry.ID]; ok {
		*e = l.origEntry
	}
	a := m.accounts[l.accountID]
	delete(m.acctIDs, identityKey(a.IdentifierKind, a.Identifier))
	delete(m.accounts, l.accountID)
}
