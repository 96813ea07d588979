// Package cache buffers acquired suppliers in time-bucketed append targets
// and replays them into the store.
package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-cli/internal/model"
)

// DefaultWindow is the bucket width.
const DefaultWindow = 5 * time.Minute

const keyLayout = "suppliers_20060102_1504"

var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Buckets is an append target keyed by bucket name. Each bucket is an ordered
// JSON array of supplier snapshots.
type Buckets interface {
	// Append merges records into the bucket and returns its new length.
	Append(ctx context.Context, key string, records []model.Supplier) (int, error)
	// Load returns the bucket's records. A missing bucket is empty.
	Load(ctx context.Context, key string) ([]model.Supplier, error)
	// Truncate empties the bucket without removing it.
	Truncate(ctx context.Context, key string) error
	// List returns the known bucket keys in order.
	List(ctx context.Context) ([]string, error)
}

// BucketKey names the bucket that t falls into.
func BucketKey(t time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultWindow
	}
	return t.Truncate(window).Format(keyLayout)
}

func checkKey(key string) error {
	if !validKey.MatchString(key) || key == "." || key == ".." {
		return eris.Errorf("cache: invalid bucket key %q", key)
	}
	return nil
}

func decode(data []byte) ([]model.Supplier, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var records []model.Supplier
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, eris.Wrap(err, "cache: decode bucket")
	}
	return records, nil
}

func encode(records []model.Supplier) ([]byte, error) {
	if records == nil {
		records = []model.Supplier{}
	}
	data, err := json.Marshal(records)
	return data, eris.Wrap(err, "cache: encode bucket")
}
