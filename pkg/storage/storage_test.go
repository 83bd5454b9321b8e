package storage_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"microplate/gateway/pkg/models"
	"microplate/gateway/pkg/storage"
	"microplate/gateway/pkg/storage/memdb"
	"microplate/gateway/pkg/storage/redisdb"
)

func backends(t *testing.T, capacity int) map[string]storage.Store {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]storage.Store{
		"memory": memdb.New(capacity),
		"redis":  redisdb.New(rdb, "equivalence", capacity),
	}
}

// Both backends must keep the same window of entries in the same order.
func TestBackendEquivalence(t *testing.T) {
	for _, n := range []int{0, 1, 4, 5, 6, 13} {
		t.Run(fmt.Sprintf("%d appends", n), func(t *testing.T) {
			const capacity = 5
			results := make(map[string][]string)

			for name, s := range backends(t, capacity) {
				for i := 0; i < n; i++ {
					e := models.LogEntry{ID: fmt.Sprintf("e%02d", i), StatusCode: 200 + i}
					if err := s.Append(context.Background(), e); err != nil {
						t.Fatalf("[%s] unexpected error while appending: %v", name, err)
					}
				}
				all, err := s.All(context.Background())
				if err != nil {
					t.Fatalf("[%s] unexpected error from All: %v", name, err)
				}
				ids := []string{}
				for _, e := range all {
					ids = append(ids, e.ID)
				}
				results[name] = ids
			}

			if !reflect.DeepEqual(results["memory"], results["redis"]) {
				t.Errorf("want identical ordering, memory %v, redis %v", results["memory"], results["redis"])
			}

			wantLen := min(n, capacity)
			if len(results["memory"]) != wantLen {
				t.Errorf("want %d entries, got %d", wantLen, len(results["memory"]))
			}
			if n > 0 && results["memory"][len(results["memory"])-1] != fmt.Sprintf("e%02d", n-1) {
				t.Errorf("want newest entry last, got %v", results["memory"])
			}
		})
	}
}
