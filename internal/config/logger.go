package config

import (
	"context"
	"fmt"
	"time"
)

// Public methods
func LogInfo(ctx context.Context, msg string) {
	writeToLog(ctx, "INFO", msg)
}

func LogWarn(ctx context.Context, msg string) {
	writeToLog(ctx, "WARN", msg)
}

func LogError(ctx context.Context, msg string) {
	writeToLog(ctx, "ERROR", msg)
}

func LogDebug(ctx context.Context, msg string) {
	if GetContextDebug(ctx) {
		writeToLog(ctx, "DEBUG", msg)
	}
}

// Private methods
func writeToLog(ctx context.Context, severity string, msg string) {

	// Always do normal logging
	fmt.Printf("%s (dbhealth) %s +%s [%s] %s\n",
		time.Now().UTC().Format("2006/01/02 15:04:05"),
		severity,
		sinceCreated(ctx),
		GetContextCorrelationId(ctx),
		msg)

	// Additionally collect if enabled
	if logs := collectedLogs(ctx); logs != nil {
		createdTime := time.Unix(GetContextTimeCreated(ctx), 0)
		elapsedMs := time.Since(createdTime).Seconds() * 1000

		logs.append(CollectedLog{
			Timestamp: time.Now().UTC(),
			Severity:  severity,
			Message:   msg,
			CID:       GetContextCorrelationId(ctx),
			ElapsedMs: elapsedMs,
		})
	}
}

func sinceCreated(ctx context.Context) string {

	created := GetContextTimeCreated(ctx)
	if created == -1 {
		return "0.0s"
	}
	t := time.Since(time.Unix(created, 0)).Seconds()

	return fmt.Sprintf("%.1fs", t)
}
