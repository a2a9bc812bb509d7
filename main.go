package main

import (
	"log"
	"net/http"

	"energy-payment-service/internal/archive"
	"energy-payment-service/internal/config"
	"energy-payment-service/internal/event"
	"energy-payment-service/internal/handler"
	"energy-payment-service/internal/ledger"
	"energy-payment-service/internal/logging"
	"energy-payment-service/internal/metrics"
	"energy-payment-service/internal/payment"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadConfig(".")

	logger := logging.GetLogger(cfg.Logs)

	metrics.Setup(cfg.Metrics)

	paymentLedger := ledger.New(logger)

	var publisher *event.Publisher
	if cfg.Kafka.Broker.URL != "" {
		writer := event.NewWriter(cfg.Kafka)
		defer writer.Close()
		publisher = event.NewPublisher(writer, logger)
	}

	var repo *archive.Repository
	if cfg.Database.Host != "" {
		connStr := archive.ConnString(cfg.Database)
		archive.RunMigrations(connStr, "migrations")

		pool, err := archive.GetPool(connStr)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()

		repo = archive.NewRepository(pool)
	}

	integrator := payment.NewIntegrator(cfg, paymentLedger, publisher, repo, logger)
	paymentHandler := handler.NewPaymentHandler(integrator, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/payment/initiate", paymentHandler.Initiate)
	mux.HandleFunc("POST /api/payment/callback", paymentHandler.Callback)
	mux.HandleFunc("GET /api/payment/status/{checkoutRequestID}", paymentHandler.Status)
	mux.HandleFunc("GET /api/payment/trade/{tradeID}", paymentHandler.TradeStatus)

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}

	logger.Info("Starting server", "port", port)
	log.Fatal(http.ListenAndServe(":"+port, mux))
}
