package serverdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	balancesBucket    = []byte("balances")
	inboxBucket       = []byte("inbox")
	settlementsBucket = []byte("settlements")
	ledgerLogBucket   = []byte("ledgerlog")
)

type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed) the server database at path.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{balancesBucket, inboxBucket, settlementsBucket, ledgerLogBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

func decodeBalance(v []byte) int64 {
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func encodeBalance(n int64) []byte {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(n))
	return v[:]
}

// appendLedgerLog writes one audit row inside an open write transaction.
func appendLedgerLog(tx *bolt.Tx, playerID string, amount int64, reason LedgerReason) error {
	lb := tx.Bucket(ledgerLogBucket)
	if lb == nil {
		return ErrMainBucketNotFound
	}
	seq, err := lb.NextSequence()
	if err != nil {
		return err
	}
	entry := LedgerEntry{
		ID:        seq,
		PlayerID:  playerID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return lb.Put(key[:], data)
}

// applyOp mutates a single balance inside an open write transaction.
func applyOp(tx *bolt.Tx, op LedgerOp) (int64, error) {
	bb := tx.Bucket(balancesBucket)
	if bb == nil {
		return 0, ErrMainBucketNotFound
	}
	bal := decodeBalance(bb.Get([]byte(op.PlayerID)))
	next := bal + op.Amount
	if next < 0 {
		return bal, ErrInsufficientBalance
	}
	if err := bb.Put([]byte(op.PlayerID), encodeBalance(next)); err != nil {
		return bal, err
	}
	if err := appendLedgerLog(tx, op.PlayerID, op.Amount, op.Reason); err != nil {
		return bal, err
	}
	return next, nil
}

func (b *BoltDB) EnsureBalance(ctx context.Context, playerID string, starting int64) (int64, error) {
	var bal int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bb := tx.Bucket(balancesBucket)
		if bb == nil {
			return ErrMainBucketNotFound
		}
		if v := bb.Get([]byte(playerID)); v != nil {
			bal = decodeBalance(v)
			return nil
		}
		var err error
		bal, err = applyOp(tx, LedgerOp{PlayerID: playerID, Amount: starting, Reason: ReasonSignupGrant})
		return err
	})
	return bal, err
}

func (b *BoltDB) GetBalance(ctx context.Context, playerID string) (int64, error) {
	var bal int64
	err := b.db.View(func(tx *bolt.Tx) error {
		bb := tx.Bucket(balancesBucket)
		if bb == nil {
			return ErrMainBucketNotFound
		}
		bal = decodeBalance(bb.Get([]byte(playerID)))
		return nil
	})
	return bal, err
}

func (b *BoltDB) Credit(ctx context.Context, playerID string, amount int64, reason LedgerReason) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}
	var bal int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		bal, err = applyOp(tx, LedgerOp{PlayerID: playerID, Amount: amount, Reason: reason})
		return err
	})
	return bal, err
}

func (b *BoltDB) Debit(ctx context.Context, playerID string, amount int64, reason LedgerReason) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}
	var bal int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		bal, err = applyOp(tx, LedgerOp{PlayerID: playerID, Amount: -amount, Reason: reason})
		return err
	})
	return bal, err
}

func (b *BoltDB) StoreInboxEntry(ctx context.Context, entry *InboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal inbox entry: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		ib := tx.Bucket(inboxBucket)
		if ib == nil {
			return ErrMainBucketNotFound
		}
		ub, err := ib.CreateBucketIfNotExists([]byte(entry.Owner))
		if err != nil {
			return err
		}
		return ub.Put([]byte(entry.ID), data)
	})
}

func (b *BoltDB) FetchInbox(ctx context.Context, owner string) ([]*InboxEntry, error) {
	var entries []*InboxEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		ib := tx.Bucket(inboxBucket)
		if ib == nil {
			return ErrMainBucketNotFound
		}
		ub := ib.Bucket([]byte(owner))
		if ub == nil {
			return nil
		}
		return ub.ForEach(func(_, v []byte) error {
			var e InboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
			return nil
		})
	})
	return entries, err
}

func (b *BoltDB) MarkInboxRead(ctx context.Context, owner, entryID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		ub := inboxOwnerBucket(tx, owner)
		if ub == nil {
			return ErrEntryNotFound
		}
		v := ub.Get([]byte(entryID))
		if v == nil {
			return ErrEntryNotFound
		}
		var e InboxEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		e.Read = true
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return ub.Put([]byte(entryID), data)
	})
}

func (b *BoltDB) DeleteInboxEntry(ctx context.Context, owner, entryID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		ub := inboxOwnerBucket(tx, owner)
		if ub == nil {
			return nil
		}
		return ub.Delete([]byte(entryID))
	})
}

func inboxOwnerBucket(tx *bolt.Tx, owner string) *bolt.Bucket {
	ib := tx.Bucket(inboxBucket)
	if ib == nil {
		return nil
	}
	return ib.Bucket([]byte(owner))
}

func (b *BoltDB) ApplySettlement(ctx context.Context, rec *SettlementRecord, ops []LedgerOp) (bool, error) {
	applied := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(settlementsBucket)
		if sb == nil {
			return ErrMainBucketNotFound
		}
		if sb.Get([]byte(rec.MatchID)) != nil {
			// Already settled; the retry is a no-op.
			return nil
		}
		for _, op := range ops {
			if _, err := applyOp(tx, op); err != nil {
				return fmt.Errorf("settlement op for %s: %w", op.PlayerID, err)
			}
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := sb.Put([]byte(rec.MatchID), data); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (b *BoltDB) FetchSettlement(ctx context.Context, matchID string) (*SettlementRecord, error) {
	var rec *SettlementRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(settlementsBucket)
		if sb == nil {
			return ErrMainBucketNotFound
		}
		v := sb.Get([]byte(matchID))
		if v == nil {
			return ErrEntryNotFound
		}
		rec = new(SettlementRecord)
		return json.Unmarshal(v, rec)
	})
	return rec, err
}

func (b *BoltDB) FetchLedgerLog(ctx context.Context, playerID string, limit int) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		lb := tx.Bucket(ledgerLogBucket)
		if lb == nil {
			return ErrMainBucketNotFound
		}
		c := lb.Cursor()
		// Newest first.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e LedgerEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.PlayerID != playerID {
				continue
			}
			entries = append(entries, &e)
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}
