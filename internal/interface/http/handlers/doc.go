// Package handlers contains the health checks served by the observability
// server.
//
// Checks are registered by name and run in parallel, each under its own
// timeout:
//
//	checker := handlers.NewCompositeHealthChecker("v0.3.0")
//	checker.AddCheck("store_circuit", handlers.NewBreakerCheck(store.Breaker()))
//	checker.AddCheck("postgres", handlers.NewPingCheck(conn))
//	checker.AddCheck("redis", handlers.NewPingCheck(cache))
//
//	status := checker.Check(ctx)
//	if !status.Healthy {
//	    log.Printf("health check failed: %s", status.Message)
//	}
package handlers
