package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/azirkitai/quetama-live-sub000/internal/config"
	"github.com/azirkitai/quetama-live-sub000/internal/httpapi"
	"github.com/azirkitai/quetama-live-sub000/internal/hub"
	"github.com/azirkitai/quetama-live-sub000/internal/pairing"
	"github.com/azirkitai/quetama-live-sub000/internal/queue"
	"github.com/azirkitai/quetama-live-sub000/internal/store"
	"github.com/azirkitai/quetama-live-sub000/internal/store/memory"
	"github.com/azirkitai/quetama-live-sub000/internal/store/postgres"
	"github.com/azirkitai/quetama-live-sub000/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("clinicq")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var st store.QueueStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
	} else {
		log.Printf("DB_DSN not set, using in-memory store")
		st = memory.NewStore()
	}

	h := hub.New()
	engine := queue.NewEngine(st, h)
	pairingService := pairing.NewService(st, h, pairing.Options{
		TTL:        cfg.PairingTTL,
		SessionTTL: cfg.SessionTTL,
	})

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		TenantPerMinute: cfg.TenantRateLimitPerMinute,
		TenantBurst:     cfg.TenantRateLimitBurst,
	})

	handler := httpapi.NewHandler(st, engine, pairingService)

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", realtimeHandler(st, h))
	// LoggingMiddleware sits inside SessionAuth so the resolved tenant
	// shows up in the request log.
	mux.Handle("/", limiter.LimitIP(httpapi.SessionAuth(st, limiter.LimitTenant(httpapi.LoggingMiddleware(handler.Routes())))))

	otelHandler := otelhttp.NewHandler(mux, "clinicq")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("clinicq listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	if cfg.PairingSweepInterval > 0 {
		go sweepLoop(pairingService, cfg.PairingSweepInterval, cfg.PairingSweepBatch)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// realtimeHandler serves the SockJS endpoint. Authenticated connections
// join their tenant's channel; anonymous ones (the TV before pairing)
// may only join QR rooms.
func realtimeHandler(st store.QueueStore, h *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		tenantID := ""
		if sessionID := sessionIDFromRequest(session.Request()); sessionID != "" {
			authSession, err := st.GetSession(context.Background(), sessionID)
			if err != nil {
				_ = session.Close(4002, "invalid session")
				return
			}
			tenantID = authSession.TenantID
		}

		client := &hub.Client{ID: uuid.NewString(), TenantID: tenantID, Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			raw, err := session.Recv()
			if err != nil {
				return
			}
			msg, ok := hub.ParseMessage([]byte(raw))
			if !ok {
				continue
			}
			switch msg.Action {
			case "join_qr":
				if !isValidUUID(msg.QRID) {
					continue
				}
				h.JoinQR(client, msg.QRID)
				h.PublishQR(msg.QRID, "qr:joined", map[string]string{"qr_id": msg.QRID})
			case "leave_qr":
				h.LeaveQR(client, msg.QRID)
			}
		}
	})
}

// sweepLoop expires stale pairing sessions. The CAS flag keeps a slow
// sweep from stacking behind ticker fires.
func sweepLoop(svc *pairing.Service, interval time.Duration, batchSize int) {
	var running int32
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if count, err := svc.Sweep(ctx, batchSize); err != nil {
			log.Printf("pairing sweep error: %v", err)
		} else if count > 0 {
			log.Printf("pairing sweep expired=%d", count)
		}
		cancel()
		atomic.StoreInt32(&running, 0)
	}
}

func sessionIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
