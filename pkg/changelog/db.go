// Package changelog stores replicated updates per base DN and replays them
// in CSN order.
package changelog

import (
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	levelErrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/dd0wney/cluso-replication/pkg/csn"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/protocol"
)

// Cursor iterates over changelog records in CSN order. It must be closed.
type Cursor interface {
	Next() bool
	Record() *protocol.UpdateMsg
	Err() error
	Close() error
}

// DomainDB is the changelog contract the replication engine depends on.
type DomainDB interface {
	Publish(baseDN string, msg *protocol.UpdateMsg) (bool, error)
	LatestState(baseDN string) *csn.ServerState
	CursorFrom(baseDN string, state *csn.ServerState) (Cursor, error)
	Purge(baseDN string, before time.Time) (int, error)
}

var _ DomainDB = (*DB)(nil)

// DB is a changelog backed by LevelDB.
type DB struct {
	db     *leveldb.DB
	logger logging.Logger

	mu     sync.RWMutex
	states map[string]*csn.ServerState // newest CSN per replica, per base DN
	closed bool
}

// Open opens or creates the changelog stored in dir.
func Open(dir string, logger logging.Logger) (*DB, error) {
	ldb, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		if levelErrors.IsCorrupted(err) {
			logger.Warn("changelog corrupted, recovering", logging.Path(dir), logging.Error(err))
			ldb, err = leveldb.RecoverFile(dir, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrChangelogAccess, dir, err)
		}
	}
	return newDB(ldb, logger)
}

// OpenStorage opens a changelog over an arbitrary LevelDB storage, such as
// storage.NewMemStorage().
func OpenStorage(stor storage.Storage, logger logging.Logger) (*DB, error) {
	ldb, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrChangelogAccess, err)
	}
	return newDB(ldb, logger)
}

func newDB(ldb *leveldb.DB, logger logging.Logger) (*DB, error) {
	d := &DB{
		db:     ldb,
		logger: logger.With(logging.Component("changelog")),
		states: make(map[string]*csn.ServerState),
	}
	if err := d.loadStates(); err != nil {
		ldb.Close()
		return nil, err
	}
	return d, nil
}

// loadStates rebuilds the newest CSN of every replica from the stored keys.
func (d *DB) loadStates() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer it.Release()

	for it.Next() {
		baseDN, c, err := parseKey(it.Key())
		if err != nil {
			d.logger.Warn("skipping unreadable changelog key", logging.Error(err))
			continue
		}
		d.stateFor(baseDN).Update(c)
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("%w: scan: %v", ErrChangelogAccess, err)
	}
	return nil
}

// stateFor returns the state of baseDN, creating it. Caller holds mu or is
// the constructor.
func (d *DB) stateFor(baseDN string) *csn.ServerState {
	s, ok := d.states[baseDN]
	if !ok {
		s = csn.NewServerState()
		d.states[baseDN] = s
	}
	return s
}

// Publish stores msg for baseDN. It returns false without writing when the
// CSN is already stored.
func (d *DB) Publish(baseDN string, msg *protocol.UpdateMsg) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, ErrClosed
	}

	key := recordKey(baseDN, msg.CSN)
	exists, err := d.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("%w: lookup %s: %v", ErrChangelogAccess, msg.CSN, err)
	}
	if exists {
		return false, nil
	}

	value, err := encodeRecord(msg)
	if err != nil {
		return false, fmt.Errorf("%w: encode %s: %v", ErrChangelogAccess, msg.CSN, err)
	}
	if err := d.db.Put(key, value, nil); err != nil {
		return false, fmt.Errorf("%w: write %s: %v", ErrChangelogAccess, msg.CSN, err)
	}
	d.stateFor(baseDN).Update(msg.CSN)
	return true, nil
}

// LatestState returns a copy of the newest CSN stored per replica.
func (d *DB) LatestState(baseDN string) *csn.ServerState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if s, ok := d.states[baseDN]; ok {
		return s.Duplicate()
	}
	return csn.NewServerState()
}

// OldestState returns the oldest CSN still stored per replica.
func (d *DB) OldestState(baseDN string) (*csn.ServerState, error) {
	oldest := csn.NewServerState()
	for _, id := range d.LatestState(baseDN).ServerIDs() {
		it := d.db.NewIterator(util.BytesPrefix(replicaPrefix(baseDN, id)), nil)
		if it.First() {
			if _, c, err := parseKey(it.Key()); err == nil {
				oldest.Update(c)
			}
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return nil, fmt.Errorf("%w: oldest state: %v", ErrChangelogAccess, err)
		}
	}
	return oldest, nil
}

// BaseDNs returns the base DNs holding at least one record.
func (d *DB) BaseDNs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dns := make([]string, 0, len(d.states))
	for dn := range d.states {
		dns = append(dns, dn)
	}
	return dns
}

// CursorFrom returns a cursor over the records of baseDN that state does
// not cover, merged across replicas in CSN order.
func (d *DB) CursorFrom(baseDN string, state *csn.ServerState) (Cursor, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	snapshot, err := d.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrChangelogAccess, err)
	}

	replicas := d.LatestState(baseDN).ServerIDs()
	c, err := newMergeCursor(snapshot, baseDN, replicas, state)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Purge removes the records of baseDN older than before. The newest record
// of each replica is always kept so the latest state survives a restart.
func (d *DB) Purge(baseDN string, before time.Time) (int, error) {
	cutoff := before.UnixMilli()
	latest := d.LatestState(baseDN)

	batch := new(leveldb.Batch)
	for _, id := range latest.ServerIDs() {
		newest := latest.CSN(id)
		it := d.db.NewIterator(util.BytesPrefix(replicaPrefix(baseDN, id)), nil)
		for it.Next() {
			_, c, err := parseKey(it.Key())
			if err != nil {
				continue
			}
			if c.Time >= cutoff || c == *newest {
				break
			}
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return 0, fmt.Errorf("%w: purge scan: %v", ErrChangelogAccess, err)
		}
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	if err := d.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("%w: purge: %v", ErrChangelogAccess, err)
	}
	d.logger.Info("changelog purged",
		logging.BaseDN(baseDN),
		logging.Count(batch.Len()),
	)
	return batch.Len(), nil
}

// Ping reports whether the database is open and answering.
func (d *DB) Ping() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if _, err := d.db.GetProperty("leveldb.num-files-at-level0"); err != nil {
		return fmt.Errorf("%w: %v", ErrChangelogAccess, err)
	}
	return nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}
