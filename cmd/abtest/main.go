// Command abtest plans and runs A/B tests of reminder emails for the
// admissions quiz.
//
// Configuration comes from defaults, an optional YAML file (ABTEST_CONFIG or
// --config) and environment variables, in that order.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/admissions-lab/reminder-ab/internal/interface/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
