package querydata

import (
	"fmt"
	"strconv"

	"github.com/tidwall/buntdb"

	"github.com/chapterhouse/distqe/cmn/cos"
)

// rowGroupCache remembers, per (query_id, file_idx), how many row
// groups that result file holds — avoiding a full header scan
// (resultstore.CountRowGroups) on every step of a paginated read that
// stays within the same file. It is purely an in-process cache, never
// persisted to disk; a cache miss just re-derives the count.
type rowGroupCache struct {
	db *buntdb.DB
}

func newRowGroupCache() (*rowGroupCache, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("querydata: opening row-group cache: %w", err)
	}
	return &rowGroupCache{db: db}, nil
}

func cacheKey(queryID cos.UUID128, fileIdx uint64) string {
	return fmt.Sprintf("%s/%d", queryID, fileIdx)
}

func (c *rowGroupCache) get(queryID cos.UUID128, fileIdx uint64) (uint64, bool) {
	var n uint64
	var found bool
	_ = c.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(cacheKey(queryID, fileIdx))
		if err != nil {
			return nil // buntdb.ErrNotFound: leave found=false
		}
		parsed, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return nil
		}
		n, found = parsed, true
		return nil
	})
	return n, found
}

func (c *rowGroupCache) set(queryID cos.UUID128, fileIdx, count uint64) {
	_ = c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(cacheKey(queryID, fileIdx), strconv.FormatUint(count, 10), nil)
		return err
	})
}

func (c *rowGroupCache) close() error {
	return c.db.Close()
}
