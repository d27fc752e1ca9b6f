package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

const levelDBKeyPrefix = "seen/"

// LevelDBRepository is a Repository stored in a local LevelDB database.
type LevelDBRepository struct {
	sync.Mutex
	db *leveldb.DB
}

var _ Repository = (*LevelDBRepository)(nil)

// NewLevelDBRepository opens or creates the database at path.
func NewLevelDBRepository(path string) (*LevelDBRepository, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dedupe database %s", path)
	}
	return &LevelDBRepository{db: db}, nil
}

// SeenBeforeOrStore implements Repository.
func (r *LevelDBRepository) SeenBeforeOrStore(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.Lock()
	defer r.Unlock()

	k := []byte(levelDBKeyPrefix + key)
	ok, err := r.db.Has(k, nil)
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up key %s", key)
	}
	if ok {
		return true, nil
	}
	value, err := time.Now().UTC().MarshalText()
	if err != nil {
		return false, err
	}
	if err := r.db.Put(k, value, nil); err != nil {
		return false, errors.Wrapf(err, "failed to store key %s", key)
	}
	return false, nil
}

// Close implements Repository.
func (r *LevelDBRepository) Close() error {
	return r.db.Close()
}
