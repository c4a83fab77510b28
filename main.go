package main

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/twcharge/ocpp-cs/config"
	"github.com/twcharge/ocpp-cs/database"
	"github.com/twcharge/ocpp-cs/handlers"
	"github.com/twcharge/ocpp-cs/middleware"
	"github.com/twcharge/ocpp-cs/ocpp"
	"github.com/twcharge/ocpp-cs/services"
)

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC RECOVERED: %v", err)
				log.Printf("Stack trace: %s", debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"detail": "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s %s - %v", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func main() {
	log.Println("Starting OCPP Central System...")
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()

	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	tariff, err := services.NewTariffService(db, cfg.Timezone, cfg.DefaultPrice)
	if err != nil {
		log.Fatalf("Failed to initialize tariff service: %v", err)
	}

	cache := services.NewLiveStatusCache(services.DefaultLiveStatusTTL)
	registry := ocpp.NewRegistry()

	engine := services.NewTransactionEngine(db, registry, cache, tariff)
	billing := services.NewBillingStreamer(db, tariff, cache, engine)
	smart := services.NewSmartCharging(db, registry)
	engine.SetSmartCharging(smart)

	central := services.NewCentralSystem(db, engine, billing, cache)

	publisher, err := services.NewMQTTPublisher(cfg.MQTTBroker, cfg.MQTTUsername, cfg.MQTTPassword, cache, registry)
	if err != nil {
		log.Printf("MQTT publisher disabled: %v", err)
	}
	if publisher != nil {
		engine.SetEventSink(publisher)
		go publisher.Start()
	}

	ocppServer := ocpp.NewServer(registry, central, central.IsWhitelisted, cfg.WSToken)
	ocppServer.OnConnect(func(cpID, peer string) {
		central.LogConnection(cpID, "connected", peer)
		if publisher != nil {
			publisher.PublishEvent(cpID, "connected", nil)
		}
	})
	ocppServer.OnDisconnect(func(cpID, peer string) {
		central.LogConnection(cpID, "disconnected", peer)
		if publisher != nil {
			publisher.PublishEvent(cpID, "disconnected", nil)
		}
	})

	monitor := services.NewBalanceMonitor(db, engine, 5*time.Second)
	go monitor.Start()

	authHandler := handlers.NewAuthHandler(db, cfg.JWTSecret)
	cpHandler := handlers.NewChargePointHandler(db, registry, engine, cache, smart)
	cardHandler := handlers.NewCardHandler(db)
	pricingHandler := handlers.NewPricingHandler(db)
	communityHandler := handlers.NewCommunityHandler(smart)
	connHandler := handlers.NewConnectionHandler(db, registry)
	debugHandler := handlers.NewDebugHandler(engine)

	r := mux.NewRouter()

	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.PathPrefix("/ocpp").HandlerFunc(ocppServer.HandleWS)

	r.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/api/health", healthCheck).Methods("GET")

	// Query surface stays open for the operator dashboards.
	r.HandleFunc("/api/connections", connHandler.List).Methods("GET")
	r.HandleFunc("/api/connection-logs", connHandler.ConnectionLogs).Methods("GET")
	r.HandleFunc("/api/status-logs", connHandler.StatusLogs).Methods("GET")
	r.HandleFunc("/api/charge-points", cpHandler.List).Methods("GET")
	r.HandleFunc("/api/charge-points/{id}/live-status", cpHandler.LiveStatus).Methods("GET")
	r.HandleFunc("/api/charge-points/{id}/current-transaction", cpHandler.CurrentTransaction).Methods("GET")
	r.HandleFunc("/api/charge-points/{id}/current-transaction/summary", cpHandler.CurrentTransactionSummary).Methods("GET")
	r.HandleFunc("/api/charge-points/{id}/last-finished-transaction/summary", cpHandler.LastFinishedTransactionSummary).Methods("GET")
	r.HandleFunc("/api/cards", cardHandler.List).Methods("GET")
	r.HandleFunc("/api/cards/{id}/balance", cardHandler.Balance).Methods("GET")
	r.HandleFunc("/api/cards/{id}/whitelist", cardHandler.Whitelist).Methods("GET")
	r.HandleFunc("/api/daily-pricing", pricingHandler.List).Methods("GET")
	r.HandleFunc("/api/community-settings", communityHandler.Get).Methods("GET")
	r.HandleFunc("/api/community-settings/applied-limits", communityHandler.AppliedLimits).Methods("GET")
	r.HandleFunc("/api/debug/start-transaction-check", debugHandler.StartTransactionCheck).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	api.HandleFunc("/auth/change-password", authHandler.ChangePassword).Methods("POST")

	api.HandleFunc("/charge-points", cpHandler.Create).Methods("POST")
	api.HandleFunc("/charge-points/{id}", cpHandler.Update).Methods("PUT")
	api.HandleFunc("/charge-points/{id}", cpHandler.Delete).Methods("DELETE")
	api.HandleFunc("/charge-points/{id}/start", cpHandler.RemoteStart).Methods("POST")
	api.HandleFunc("/charge-points/{id}/stop", cpHandler.RemoteStop).Methods("POST")
	api.HandleFunc("/charge-points/{id}/current-limit", cpHandler.SetCurrentLimit).Methods("POST")

	api.HandleFunc("/cards", cardHandler.Create).Methods("POST")
	api.HandleFunc("/cards/{id}/topup", cardHandler.TopUp).Methods("POST")
	api.HandleFunc("/cards/{id}/status", cardHandler.UpdateStatus).Methods("PUT")
	api.HandleFunc("/cards/{id}", cardHandler.Delete).Methods("DELETE")
	api.HandleFunc("/cards/{id}/whitelist", cardHandler.AddWhitelist).Methods("POST")
	api.HandleFunc("/cards/{id}/whitelist/{cp}", cardHandler.RemoveWhitelist).Methods("DELETE")

	api.HandleFunc("/daily-pricing", pricingHandler.Create).Methods("POST")
	api.HandleFunc("/daily-pricing/{id}", pricingHandler.Update).Methods("PUT")
	api.HandleFunc("/daily-pricing/{id}", pricingHandler.Delete).Methods("DELETE")

	api.HandleFunc("/community-settings", communityHandler.Save).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:4173", "*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      c.Handler(r),
		ReadTimeout:  0, // websocket sessions are long-lived
		WriteTimeout: 0,
		IdleTimeout:  180 * time.Second,
	}

	log.Printf("Server starting on %s", cfg.ServerAddress)
	log.Printf("OCPP endpoint: ws://%s/ocpp/{chargePointId} (subprotocol %s)", cfg.ServerAddress, ocpp.Subprotocol)
	log.Println("Balance monitor running (5-second sweep)")
	log.Println("Default credentials: admin / admin123")

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
