package main

import (
	"context"
	"log"
	"net/http"

	"mootlab/apps/server/internal/audit"
	"mootlab/apps/server/internal/config"
	"mootlab/apps/server/internal/evaluation"
	"mootlab/apps/server/internal/gateway"
	"mootlab/apps/server/internal/httpapi"
	"mootlab/apps/server/internal/identity"
	"mootlab/apps/server/internal/lifecycle"
	"mootlab/apps/server/internal/oracle"
	"mootlab/apps/server/internal/roster"
	"mootlab/apps/server/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Server] Failed to load config: %v", err)
	}

	st, storeMode, err := store.NewFromEnv()
	if err != nil {
		log.Fatalf("[Server] Failed to init store: %v", err)
	}
	defer st.Close()

	resolver, err := identity.NewJWTResolver(cfg.IdentitySecret)
	if err != nil {
		log.Fatalf("[Server] Failed to init identity resolver: %v", err)
	}

	gw, err := gateway.New(resolver, st, cfg.RoomSweepInterval)
	if err != nil {
		log.Fatalf("[Server] Failed to init gateway: %v", err)
	}
	go gw.Run(context.Background())

	aw := audit.NewWriter(st)
	scorer := oracle.NewHTTPScorer(cfg.OracleURL, cfg.OracleTimeout)
	apiHTTP := httpapi.New(
		resolver,
		st,
		lifecycle.New(st, aw, gw),
		roster.New(st, aw, gw),
		evaluation.New(st, scorer, aw, gw),
		aw,
	)
	auditHTTP := audit.NewHTTPHandler(resolver, st)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWebSocket)
	apiHTTP.RegisterRoutes(mux)
	auditHTTP.RegisterRoutes(mux)

	log.Printf("[Server] Store mode: %s", storeMode)
	log.Printf("[Server] Oracle endpoint: %s", cfg.OracleURL)
	log.Printf("[Server] Starting server on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		log.Fatalf("[Server] Failed to start: %v", err)
	}
}
