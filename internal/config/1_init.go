package config

import (
	"context"
	"fmt"
	"log"
	"runtime"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if BoolValue("DBHEALTH_DEBUG") {
		LogInfo(context.Background(), fmt.Sprintf("dbhealth config.init(): arch: %v", runtime.GOOS))
		LogInfo(context.Background(), "dbhealth config initialized with environment variable defaults")
	}
}
