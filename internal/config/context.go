package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	CorrelationContextKey   string
	DebugContextKey         string
	TimeCreatedContextKey   string
	LogCollectionContextKey string
)

type CollectedLog struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CID       string    `json:"correlation_id"`
	ElapsedMs float64   `json:"elapsed_ms"`
}

type logCollection struct {
	mu   sync.Mutex
	logs []CollectedLog
}

func (c *logCollection) append(l CollectedLog) {
	c.mu.Lock()
	c.logs = append(c.logs, l)
	c.mu.Unlock()
}

// SetContextCorrelationId tags ctx with a short random id suffixed by value,
// e.g. "1f3a9c2e-sample".
func SetContextCorrelationId(ctx context.Context, value string) context.Context {

	id := uuid.NewString()[:8]

	newctx := context.WithValue(ctx, CorrelationContextKey("cid"), fmt.Sprintf("%s-%s", id, value))

	// if the created time is unset then set it. test for -1 as 0 could be
	// a symptom of a default unset value
	t := GetContextTimeCreated(ctx)
	if t == -1 {
		newctx = context.WithValue(
			newctx,
			TimeCreatedContextKey("timeCreated"),
			time.Now().Unix())
	}

	newctx = context.WithValue(newctx, DebugContextKey("debug"), BoolValue("DBHEALTH_DEBUG"))

	return newctx
}

func GetContextTimeCreated(ctx context.Context) int64 {

	key := TimeCreatedContextKey("timeCreated")

	if v := ctx.Value(key); v != nil {
		return v.(int64)
	}
	return -1
}

func AppendToContextCorrelationId(ctx context.Context, value string) context.Context {
	key := CorrelationContextKey("cid")
	id := GetContextCorrelationId(ctx)
	newctx := context.WithValue(ctx, key, id+"-"+value)
	return newctx
}

func GetContextCorrelationId(ctx context.Context) string {

	key := CorrelationContextKey("cid")

	if v := ctx.Value(key); v != nil {
		return v.(string)
	}

	return "no-id"
}

func GetContextDebug(ctx context.Context) bool {

	key := DebugContextKey("debug")

	if v := ctx.Value(key); v != nil {
		return v.(bool)
	}

	return false
}

// Log Collection Functions
func EnableLogCollection(ctx context.Context) context.Context {
	return context.WithValue(ctx, LogCollectionContextKey("collect"), &logCollection{})
}

func IsLogCollectionEnabled(ctx context.Context) bool {
	return collectedLogs(ctx) != nil
}

func collectedLogs(ctx context.Context) *logCollection {
	if v := ctx.Value(LogCollectionContextKey("collect")); v != nil {
		return v.(*logCollection)
	}
	return nil
}

// CollectedLogs returns a copy of the logs gathered on ctx.
func CollectedLogs(ctx context.Context) []CollectedLog {
	c := collectedLogs(ctx)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CollectedLog, len(c.logs))
	copy(out, c.logs)
	return out
}

func DumpLogsAsJSON(ctx context.Context) (string, error) {
	logs := CollectedLogs(ctx)
	if logs == nil {
		return "[]", nil
	}
	jsonData, err := json.Marshal(logs)
	if err != nil {
		return "", err
	}
	return string(jsonData), nil
}
