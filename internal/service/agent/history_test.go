package agent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func exerciseHistory(t *testing.T, h HistoryStore, key string) {
	t.Helper()
	ctx := context.Background()

	turns, err := h.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected empty history, got %v", turns)
	}

	for i, c := range []string{"a", "b", "c"} {
		if err := h.Append(ctx, key, Turn{Role: TurnUser, Content: c}, Turn{Role: TurnAssistant, Content: c + "!"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	turns, err = h.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected history trimmed to 4, got %d", len(turns))
	}
	if turns[0].Content != "b" || turns[3].Content != "c!" {
		t.Errorf("expected the newest turns kept, got %v", turns)
	}
}

func TestMemoryHistory(t *testing.T) {
	exerciseHistory(t, NewMemoryHistory(4), "room:alice")
}

func TestMemoryHistory_LoadReturnsCopy(t *testing.T) {
	h := NewMemoryHistory(10)
	h.Append(context.Background(), "k", Turn{Role: TurnUser, Content: "x"})

	turns, _ := h.Load(context.Background(), "k")
	turns[0].Content = "mutated"

	again, _ := h.Load(context.Background(), "k")
	if again[0].Content != "x" {
		t.Error("Load must not expose internal storage")
	}
}

func TestRedisHistory(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	key := "test:" + time.Now().Format("150405.000000")
	defer rdb.Del(context.Background(), historyPrefix+key)

	exerciseHistory(t, NewRedisHistory(rdb, 4, time.Minute), key)
}

func TestTrim(t *testing.T) {
	turns := []Turn{{Content: "1"}, {Content: "2"}, {Content: "3"}}
	if got := trim(turns, 0); len(got) != 3 {
		t.Errorf("zero limit keeps everything, got %d", len(got))
	}
	if got := trim(turns, 2); len(got) != 2 || got[0].Content != "2" {
		t.Errorf("unexpected trim result %v", got)
	}
}
