package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kwendataxi/kwenda-dispatch/internal/assign"
	"github.com/Kwendataxi/kwenda-dispatch/internal/broadcast"
	"github.com/Kwendataxi/kwenda-dispatch/internal/config"
	"github.com/Kwendataxi/kwenda-dispatch/internal/ingest"
	"github.com/Kwendataxi/kwenda-dispatch/internal/lifecycle"
	"github.com/Kwendataxi/kwenda-dispatch/internal/notify"
	"github.com/Kwendataxi/kwenda-dispatch/internal/payments"
	"github.com/Kwendataxi/kwenda-dispatch/internal/presence"
	"github.com/Kwendataxi/kwenda-dispatch/internal/store"
)

type Server struct {
	Presence    presence.Registry
	Store       store.DispatchStore
	Broadcaster *broadcast.Broadcaster
	Resolver    *assign.Resolver
	Machine     *lifecycle.Machine
	WSReg       *notify.WSRegistry
	Kafka       *ingest.KafkaProducer

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the dispatch core from config with local fallbacks: Redis
// presence falls back to the in-memory index, Postgres to the memory store,
// Kafka and the push gateway stay off unless configured.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var reg presence.Registry
	if cfg.RedisAddr != "" {
		reg = presence.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.RedisPresenceKey)
	} else {
		reg = presence.NewIndex()
	}

	var st store.DispatchStore
	if cfg.PGDSN != "" {
		ps, err := store.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		st = ps
	} else {
		st = store.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := notify.NewWSRegistry()
	var notifier notify.Notifier = wsreg
	if cfg.PushEndpoint != "" {
		notifier = notify.Fanout{wsreg, notify.NewHTTPPush(cfg.PushEndpoint)}
	}

	var gate payments.ApprovalGate = payments.ApproveAll{}
	if cfg.StripeConfigured() {
		gate = payments.NewStripeGate()
	}

	bc := &broadcast.Broadcaster{
		Presence: reg, Store: st, Notify: notifier, Gate: gate,
		Cfg: cfg.Dispatch, Logger: logger,
	}
	res := &assign.Resolver{Store: st, Presence: reg, Notify: notifier, Logger: logger}
	machine := &lifecycle.Machine{Store: st, Presence: reg, Notify: notifier, Requeue: bc, Logger: logger}

	s := &Server{
		Presence: reg, Store: st, Broadcaster: bc, Resolver: res,
		Machine: machine, WSReg: wsreg, Kafka: kp,
		logger: logger, mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/internal/driver/{driver_id}/availability", s.handleAvailability).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/advance", s.handleAdvance).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

var upgrader = websocket.Upgrader{}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
