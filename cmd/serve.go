package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rielpay/payverify/internal/model"
	"github.com/rielpay/payverify/internal/verify"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the verification server and background trainer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		env.Scheduler.Start(ctx)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			env.Scheduler.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		var body verifyRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.OCRText == "" && body.ImageBase64 == "" {
			writeError(w, http.StatusBadRequest, "ocr_text or image is required")
			return
		}
		if body.TenantID == "" {
			writeError(w, http.StatusBadRequest, "tenant_id is required")
			return
		}

		var image []byte
		if body.ImageBase64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(body.ImageBase64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "image must be base64 encoded")
				return
			}
			image = decoded
		}

		outcome, err := env.Pipeline.Verify(req.Context(), verify.Request{
			OCRText:        body.OCRText,
			IssuerHint:     body.IssuerHint,
			TenantID:       body.TenantID,
			MerchantID:     body.MerchantID,
			Expected:       body.Expected,
			Image:          image,
			ImageMediaType: body.ImageMediaType,
		})
		if err != nil {
			zap.L().Error("verification request failed", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, outcome)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		snap, err := env.Collector.Collect(req.Context(), 24)
		if err != nil {
			zap.L().Error("stats collection failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "stats collection failed")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Post("/cache/invalidate", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			IssuerCode string `json:"issuer_code"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)

		if body.IssuerCode != "" {
			env.Issuers.Invalidate(body.IssuerCode)
		} else {
			env.Issuers.InvalidateAll()
			env.Merchants.InvalidateAll()
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
	})

	r.Post("/train/now", func(w http.ResponseWriter, req *http.Request) {
		env.Scheduler.ProcessNow()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
	})

	return r
}

type verifyRequest struct {
	OCRText        string                `json:"ocr_text"`
	IssuerHint     string                `json:"issuer_hint"`
	TenantID       string                `json:"tenant_id"`
	MerchantID     string                `json:"merchant_id"`
	Expected       model.ExpectedPayment `json:"expected"`
	ImageBase64    string                `json:"image_base64"`
	ImageMediaType string                `json:"image_media_type"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
