package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/listing"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/monitoring"
	"github.com/sells-group/supplier-cli/internal/pipeline"
	"github.com/sells-group/supplier-cli/internal/store"
	"github.com/sells-group/supplier-cli/internal/tracker"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves stats and suppliers, starts and stops pipeline runs and streams run events over SSE.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		broker := newEventBroker()
		env, err := initEnv(ctx, "serve", envOptions{Cache: true, Events: broker.in})
		if err != nil {
			return err
		}
		defer env.Close()
		go broker.Run(ctx)

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newAPI(ctx, env.Store, env.Pipeline, broker).routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			env.Pipeline.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// api serves the HTTP surface. Runs started through it use the server's
// lifetime context, not the request's.
type api struct {
	ctx    context.Context
	store  store.Store
	pipe   *pipeline.Pipeline
	broker *eventBroker
}

func newAPI(ctx context.Context, st store.Store, p *pipeline.Pipeline, b *eventBroker) *api {
	return &api{ctx: ctx, store: st, pipe: p, broker: b}
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": a.pipe.Running()})
	})
	r.Get("/stats", a.handleStats)
	r.Get("/proxies", a.handleProxies)

	r.Route("/suppliers", func(r chi.Router) {
		r.Get("/", a.handleListSuppliers)
		r.Get("/{id}", a.handleGetSupplier)
		r.Post("/{id}/{action}", a.handleSupplierAction)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Post("/acquire", a.handleAcquire)
		r.Post("/extract", a.handleExtract)
		r.Post("/stop", func(w http.ResponseWriter, _ *http.Request) {
			a.pipe.Stop()
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "stopping", "running": a.pipe.Running()})
		})
	})

	r.Get("/events", a.handleEvents)
	return r
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := a.store.ListProxies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, proxies)
}

func (a *api) handleListSuppliers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SupplierFilter{
		Status:     model.ParseSupplierStatus(q.Get("status")),
		CategoryID: q.Get("category"),
		OCRStatus:  model.OCRStatus(q.Get("ocr")),
	}
	if filter.OCRStatus != "" && !filter.OCRStatus.Valid() {
		writeError(w, http.StatusBadRequest, eris.Errorf("unknown ocr status %q", filter.OCRStatus))
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if v := q.Get("used"); v != "" {
		used, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid used %q", v))
			return
		}
		filter.Used = &used
	}

	suppliers, total, err := a.store.ListSuppliers(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if suppliers == nil {
		suppliers = []model.Supplier{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "suppliers": suppliers})
}

func (a *api) handleGetSupplier(w http.ResponseWriter, r *http.Request) {
	view, err := loadSupplierView(r.Context(), a.store, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) handleSupplierAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tr := tracker.New(a.store, tracker.PolicyFromConfig(cfg.Extract))

	if _, err := a.store.GetSupplier(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "skip":
		err = tr.Skip(r.Context(), id)
	case "unskip":
		err = tr.Unskip(r.Context(), id)
	case "reset":
		err = tr.Reset(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, eris.Errorf("unknown action %q", action))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.handleGetSupplier(w, r)
}

// acquireBody is the JSON body of POST /runs/acquire.
type acquireBody struct {
	Keywords   []string         `json:"keywords"`
	Categories []model.Category `json:"categories"`
	Start      int              `json:"start"`
	End        int              `json:"end"`
	PageSize   int              `json:"page_size"`
	Persist    string           `json:"persist"`
	Extract    bool             `json:"extract"`
	Replay     bool             `json:"replay"`
}

func (b acquireBody) request() (pipeline.AcquireRequest, error) {
	req := pipeline.AcquireRequest{
		Start:   b.Start,
		End:     b.End,
		Persist: pipeline.Persistence(b.Persist),
		Extract: b.Extract,
		Replay:  b.Replay,
	}
	if req.Start == 0 {
		req.Start = 1
	}
	if req.End == 0 {
		req.End = req.Start
	}
	for _, kw := range b.Keywords {
		size := b.PageSize
		if size <= 0 {
			size = cfg.Acquire.PageSize
		}
		req.Queries = append(req.Queries, listing.KeywordQuery(kw, size))
	}
	for _, c := range b.Categories {
		size := b.PageSize
		if size <= 0 {
			size = cfg.Acquire.CategoryPageSize
		}
		req.Queries = append(req.Queries, listing.CategoryQuery(c, size))
	}
	if len(req.Queries) == 0 {
		return req, eris.New("keywords or categories required")
	}
	for _, q := range req.Queries {
		if err := q.Validate(); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (a *api) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var body acquireBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.pipe.Validate(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := a.pipe.Reserve()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	go func() {
		if _, err := run.Acquire(a.ctx, req); err != nil {
			zap.L().Error("api acquire run failed", zap.String("run_id", run.ID()), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "run_id": run.ID(), "queries": len(req.Queries)})
}

func (a *api) handleExtract(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := a.pipe.Reserve()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	go func() {
		if _, err := run.ExtractBacklog(a.ctx, limit); err != nil {
			zap.L().Error("api extract run failed", zap.String("run_id", run.ID()), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "run_id": run.ID(), "limit": limit})
}

// handleEvents streams pipeline events as server-sent events until the
// client disconnects.
func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, eris.New("streaming unsupported"))
		return
	}
	ch := a.broker.subscribe()
	defer a.broker.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-a.ctx.Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data)
			flusher.Flush()
		}
	}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid number %q", v)
	}
	return n, nil
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
