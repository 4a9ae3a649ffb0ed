package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
)

type listRedis struct {
	redis.UniversalClient
	lists map[string][]string
}

func newListRedis() *listRedis {
	return &listRedis{lists: make(map[string][]string)}
}

func toStrings(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		switch val := v.(type) {
		case []byte:
			out = append(out, string(val))
		default:
			out = append(out, fmt.Sprint(val))
		}
	}
	return out
}

func (l *listRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range toStrings(values) {
		l.lists[key] = append([]string{v}, l.lists[key]...)
	}
	return redis.NewIntResult(int64(len(l.lists[key])), nil)
}

func (l *listRedis) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	l.lists[key] = append(l.lists[key], toStrings(values)...)
	return redis.NewIntResult(int64(len(l.lists[key])), nil)
}

func (l *listRedis) bounds(key string, start, stop int64) (int64, int64) {
	n := int64(len(l.lists[key]))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (l *listRedis) LTrim(_ context.Context, key string, start, stop int64) *redis.StatusCmd {
	s, e := l.bounds(key, start, stop)
	if s > e {
		l.lists[key] = nil
	} else {
		l.lists[key] = append([]string(nil), l.lists[key][s:e+1]...)
	}
	return redis.NewStatusResult("OK", nil)
}

func (l *listRedis) LRange(_ context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	s, e := l.bounds(key, start, stop)
	if s > e {
		return redis.NewStringSliceResult(nil, nil)
	}
	return redis.NewStringSliceResult(append([]string(nil), l.lists[key][s:e+1]...), nil)
}

func TestRedisInboxKeepsNewestWithinCapacity(t *testing.T) {
	client := newListRedis()
	inbox := NewRedisInbox(client, "test:inbox", 2)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := inbox.Notify(ctx, "u1", Notification{Type: TypeFundsReceived, Title: fmt.Sprintf("n%d", i)}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	list, err := inbox.List(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Title != "n3" || list[1].Title != "n2" {
		t.Fatalf("unexpected inbox: %+v", list)
	}
	if list[0].CreatedAt == 0 {
		t.Fatalf("expected timestamp to be filled")
	}
}

func TestRedisChatLogRecentInOrder(t *testing.T) {
	client := newListRedis()
	log := NewRedisChatLog(client, "test:chat", 3)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		if err := log.Append(ctx, "u1", Message{Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	recent, err := log.Recent(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "m3" || recent[1].Content != "m4" {
		t.Fatalf("unexpected messages: %+v", recent)
	}
	if recent[0].Role != RoleAgent {
		t.Fatalf("expected default role, got %q", recent[0].Role)
	}
	if got := len(client.lists["test:chat:u1"]); got != 3 {
		t.Fatalf("expected list trimmed to 3, got %d", got)
	}
}

func TestMemoryInboxAndChatLog(t *testing.T) {
	ctx := context.Background()
	inbox := NewMemoryInbox(1)
	_ = inbox.Notify(ctx, "u1", Notification{Title: "a"})
	_ = inbox.Notify(ctx, "u1", Notification{Title: "b"})
	list, _ := inbox.List(ctx, "u1", 0)
	if len(list) != 1 || list[0].Title != "b" {
		t.Fatalf("unexpected inbox: %+v", list)
	}

	chat := NewMemoryChatLog()
	_ = chat.Append(ctx, "u1", Message{Content: "hello"})
	msgs, _ := chat.Recent(ctx, "u1", 5)
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("unexpected chat: %+v", msgs)
	}
}

type failingService struct{ calls int }

func (f *failingService) Notify(context.Context, string, Notification) error {
	f.calls++
	return errors.New("down")
}

func TestFanoutJoinsErrorsAndDeliverSwallows(t *testing.T) {
	ctx := context.Background()
	failing := &failingService{}
	inbox := NewMemoryInbox(10)
	fanout := NewFanout(failing, nil, inbox)

	if err := fanout.Notify(ctx, "u1", Notification{Title: "x"}); err == nil {
		t.Fatalf("expected joined error")
	}
	list, _ := inbox.List(ctx, "u1", 0)
	if len(list) != 1 {
		t.Fatalf("expected healthy notifier to receive the message")
	}

	Deliver(ctx, fanout, "u1", Notification{Type: TypeBatchComplete})
	if failing.calls != 2 {
		t.Fatalf("expected second delivery attempt, got %d", failing.calls)
	}
	Deliver(ctx, fanout, "", Notification{})
	if failing.calls != 2 {
		t.Fatalf("empty user id must be skipped")
	}
}
