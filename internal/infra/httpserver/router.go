package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	appanalysis "github.com/bryanwahyu/custodia/internal/application/analysis"
	appevidence "github.com/bryanwahyu/custodia/internal/application/evidence"
	"github.com/bryanwahyu/custodia/internal/domain/analysis"
	"github.com/bryanwahyu/custodia/internal/domain/custody"
	"github.com/bryanwahyu/custodia/internal/domain/evidence"
	"github.com/bryanwahyu/custodia/internal/domain/plugin"
	"github.com/bryanwahyu/custodia/internal/middleware"
)

type Deps struct {
	Evidence  *appevidence.Service
	Dispatch  *appanalysis.Dispatcher
	Scheduler *appanalysis.Scheduler
	Results   *appanalysis.Results

	Log         *slog.Logger
	Metrics     *middleware.Metrics
	RateLimit   *middleware.RateLimiter
	Health      map[string]middleware.HealthChecker
	APIKeys     map[string]string
	CORSOrigins []string
	// AutoAnalyze queues every applicable plugin after an upload unless
	// the request says analyze=false.
	AutoAnalyze bool
}

type Router struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = middleware.NewMetrics()
	}
	r := &Router{Deps: d}
	mux := chi.NewRouter()

	mux.Use(chimw.RealIP)
	mux.Use(middleware.RequestLogger(d.Log))
	mux.Use(chimw.Recoverer)
	mux.Use(d.Metrics.Middleware)
	if len(d.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			ExposedHeaders: []string{"Content-Disposition", "X-Evidence-SHA256", "X-Evidence-SHA512"},
			MaxAge:         300,
		}))
	}

	mux.Get("/health", middleware.HealthHandler(d.Health))
	mux.Get("/health/live", middleware.LivenessHandler)

	mux.Route("/v1", func(rt chi.Router) {
		rt.Use(middleware.APIKeyAuth(d.APIKeys))
		if d.RateLimit != nil {
			rt.Use(d.RateLimit.Middleware)
		}
		rt.Get("/metrics", d.Metrics.Handler)

		rt.Post("/cases/{case}/evidence", r.wrap(r.handleUpload))
		rt.Get("/evidence", r.wrap(r.handleList))
		rt.Get("/stats", r.wrap(r.handleStats))

		rt.Route("/evidence/{id}", func(ev chi.Router) {
			ev.Use(validID("evidence", "id"))
			ev.Get("/", r.wrap(r.handleGet))
			ev.Get("/content", r.wrap(r.handleContent(true)))
			ev.Get("/view", r.wrap(r.handleContent(false)))
			ev.Post("/verify", r.wrap(r.handleVerify))
			ev.Get("/history", r.wrap(r.handleHistory))
			ev.Get("/history/verify", r.wrap(r.handleChain))
			ev.Post("/analyses", r.wrap(r.handleDispatch))
			ev.Get("/analyses", r.wrap(r.handleTasks))
			ev.Get("/results", r.wrap(r.handleResults))
		})

		rt.With(validID("result", "id")).Get("/results/{id}", r.wrap(r.handleResult))
		rt.With(validID("task", "id")).Get("/tasks/{id}", r.wrap(r.handleTask))
		rt.With(validID("task", "id")).Post("/tasks/{id}/cancel", r.wrap(r.handleCancel))
		rt.Get("/plugins", r.wrap(r.handlePlugins))
		rt.Get("/scheduler/stats", r.wrap(r.handleSchedulerStats))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// badRequest marks client input errors.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return badRequest{fmt.Sprintf(format, args...)}
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		status, msg := r.classify(err)
		if status >= 500 {
			r.Log.Error("request failed", "method", req.Method, "path", req.URL.Path, "err", err)
		}
		writeJSON(w, status, map[string]string{"error": msg})
	}
}

func (r *Router) classify(err error) (int, string) {
	var br badRequest
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, br.msg
	case errors.Is(err, evidence.ErrNotFound),
		errors.Is(err, analysis.ErrTaskNotFound),
		errors.Is(err, analysis.ErrResultNotFound),
		errors.Is(err, plugin.ErrUnknownPlugin):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, plugin.ErrPluginDisabled),
		errors.Is(err, analysis.ErrInvalidTransition),
		errors.Is(err, evidence.ErrIntegrity):
		return http.StatusConflict, err.Error()
	case errors.Is(err, evidence.ErrEmptyFilename),
		errors.Is(err, evidence.ErrEmptyFile):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, evidence.ErrTooLarge), errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge, evidence.ErrTooLarge.Error()
	case errors.Is(err, evidence.ErrReadFailure):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, evidence.ErrBlobNotFound):
		return http.StatusGone, "evidence content is missing from storage"
	case errors.Is(err, custody.ErrLedgerWriteConflict):
		return http.StatusInternalServerError, "custody ledger conflict"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func validID(kind, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if err := middleware.ValidateID(kind, chi.URLParam(req, param)); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func evidenceID(req *http.Request) evidence.ID { return evidence.ID(chi.URLParam(req, "id")) }

type uploadResponse struct {
	*evidence.Item
	Tasks []*analysis.Task `json:"tasks,omitempty"`
}

// POST /v1/cases/{case}/evidence
// multipart/form-data: optional "description" and "analyze" fields, then a
// "file" part which is streamed straight into the vault. Any other content
// type is taken as the raw file with ?filename=.
func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) error {
	caseRef := chi.URLParam(req, "case")
	if err := middleware.ValidateCaseRef(caseRef); err != nil {
		return badRequest{err.Error()}
	}
	cmd := appevidence.CommitCommand{
		CaseRef:      caseRef,
		Actor:        middleware.ActorFromContext(req.Context()),
		ClientOrigin: middleware.ClientOrigin(req),
		UserAgent:    req.UserAgent(),
	}
	analyze := r.AutoAnalyze

	var (
		it  *evidence.Item
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		it, analyze, err = r.commitMultipart(req, cmd, analyze)
	} else {
		cmd.Filename = req.URL.Query().Get("filename")
		cmd.ContentType = req.Header.Get("Content-Type")
		cmd.Description = middleware.SanitizeString(req.URL.Query().Get("description"))
		if v := req.URL.Query().Get("analyze"); v != "" {
			analyze, _ = strconv.ParseBool(v)
		}
		if err := middleware.ValidateFilename(cmd.Filename); err != nil {
			return badRequest{err.Error()}
		}
		it, err = r.Evidence.Commit(req.Context(), req.Body, cmd)
	}
	if err != nil {
		return err
	}
	resp := uploadResponse{Item: it}
	if analyze && r.Dispatch != nil {
		tasks, err := r.Dispatch.DispatchApplicable(req.Context(), it, cmd.Actor, cmd.ClientOrigin)
		if err != nil {
			// evidence sudah committed; jangan gagalkan upload
			r.Log.Error("auto analysis dispatch failed", "evidence_id", it.ID, "err", err)
		}
		r.Metrics.TasksDispatched.Add(uint64(len(tasks)))
		resp.Tasks = tasks
	}
	return writeJSON(w, http.StatusCreated, resp)
}

func (r *Router) commitMultipart(req *http.Request, cmd appevidence.CommitCommand, analyze bool) (*evidence.Item, bool, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, analyze, badRequestf("invalid multipart body: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, analyze, badRequestf("missing file part")
		}
		if err != nil {
			return nil, analyze, badRequestf("invalid multipart body: %v", err)
		}
		switch part.FormName() {
		case "description":
			b, _ := io.ReadAll(io.LimitReader(part, 4096))
			cmd.Description = middleware.SanitizeString(string(b))
		case "analyze":
			b, _ := io.ReadAll(io.LimitReader(part, 16))
			analyze, _ = strconv.ParseBool(strings.TrimSpace(string(b)))
		case "file":
			cmd.Filename = part.FileName()
			if err := middleware.ValidateFilename(cmd.Filename); err != nil {
				return nil, analyze, badRequest{err.Error()}
			}
			cmd.ContentType = part.Header.Get("Content-Type")
			it, err := r.Evidence.Commit(req.Context(), part, cmd)
			return it, analyze, err
		}
		part.Close()
	}
}

// GET /v1/evidence?case=&limit=
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	caseRef := req.URL.Query().Get("case")
	if caseRef != "" {
		if err := middleware.ValidateCaseRef(caseRef); err != nil {
			return badRequest{err.Error()}
		}
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	items, err := r.Evidence.List(req.Context(), caseRef, middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	if items == nil {
		items = []*evidence.Item{}
	}
	return writeJSON(w, http.StatusOK, items)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) error {
	st, err := r.Evidence.Stats(req.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, st)
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	it, err := r.Evidence.Get(req.Context(), evidenceID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, it)
}

// GET /v1/evidence/{id}/content (DOWNLOADED) and /view (VIEWED). The custody
// event is durable before the first byte is sent.
func (r *Router) handleContent(download bool) handlerFunc {
	return func(w http.ResponseWriter, req *http.Request) error {
		it, rc, err := r.Evidence.Open(req.Context(), evidenceID(req), evidence.Access{
			Download:     download,
			Actor:        middleware.ActorFromContext(req.Context()),
			ClientOrigin: middleware.ClientOrigin(req),
			UserAgent:    req.UserAgent(),
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		r.Metrics.ContentReads.Add(1)

		ct := it.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		disp := "inline"
		if download {
			disp = "attachment"
		}
		h := w.Header()
		h.Set("Content-Type", ct)
		h.Set("Content-Length", strconv.FormatInt(it.Size, 10))
		h.Set("Content-Disposition", mime.FormatMediaType(disp, map[string]string{"filename": it.OriginalFilename}))
		h.Set("X-Evidence-SHA256", it.SHA256)
		h.Set("X-Evidence-SHA512", it.SHA512)
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)

		if _, err := io.Copy(w, rc); err != nil {
			// header sudah terkirim; putus koneksi supaya klien tahu isinya tidak utuh
			r.Log.Error("evidence stream aborted", "evidence_id", it.ID, "err", err)
			panic(http.ErrAbortHandler)
		}
		return nil
	}
}

// POST /v1/evidence/{id}/verify
func (r *Router) handleVerify(w http.ResponseWriter, req *http.Request) error {
	res, err := r.Evidence.Verify(req.Context(), evidenceID(req), appevidence.VerifyCommand{
		Actor:        middleware.ActorFromContext(req.Context()),
		ClientOrigin: middleware.ClientOrigin(req),
		UserAgent:    req.UserAgent(),
	})
	if err != nil {
		return err
	}
	r.Metrics.Verifications.Add(1)
	if !res.IntegrityOK {
		r.Metrics.IntegrityFailures.Add(1)
	}
	return writeJSON(w, http.StatusOK, res)
}

// GET /v1/evidence/{id}/history?from=
// Events are streamed as a JSON array in sequence order.
func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) error {
	from := int64(1)
	if v := req.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return badRequestf("from must be a positive integer")
		}
		from = n
	}
	seq, err := r.Evidence.History(req.Context(), evidenceID(req), from)
	if err != nil {
		return err
	}

	// ambil event pertama dulu supaya error awal masih bisa jadi status code
	next, stop := iter.Pull2(seq)
	defer stop()
	first, err, ok := next()
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	io.WriteString(w, "[")
	for n := 0; ok; n++ {
		if n > 0 {
			io.WriteString(w, ",")
		}
		if err := enc.Encode(first); err != nil {
			return nil
		}
		first, err, ok = next()
		if err != nil {
			r.Log.Error("history stream aborted", "evidence_id", evidenceID(req), "err", err)
			panic(http.ErrAbortHandler)
		}
	}
	io.WriteString(w, "]\n")
	return nil
}

// GET /v1/evidence/{id}/history/verify
func (r *Router) handleChain(w http.ResponseWriter, req *http.Request) error {
	rep, err := r.Evidence.VerifyChain(req.Context(), evidenceID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rep)
}

// POST /v1/evidence/{id}/analyses
// Body: {"plugin": "name"} | {"plugins": ["a","b"]} | {} for every applicable plugin.
func (r *Router) handleDispatch(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Plugin  string   `json:"plugin"`
		Plugins []string `json:"plugins"`
	}
	if req.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(req.Body, 1<<16)).Decode(&body); err != nil && err != io.EOF {
			return badRequestf("invalid JSON body: %v", err)
		}
	}
	names := body.Plugins
	if body.Plugin != "" {
		names = append([]string{body.Plugin}, names...)
	}
	for _, n := range names {
		if err := middleware.ValidatePluginName(n); err != nil {
			return badRequest{err.Error()}
		}
	}

	ctx := req.Context()
	actor, origin := middleware.ActorFromContext(ctx), middleware.ClientOrigin(req)
	var tasks []*analysis.Task
	if len(names) == 0 {
		it, err := r.Evidence.Get(ctx, evidenceID(req))
		if err != nil {
			return err
		}
		if it.State == evidence.StateIntegrityFailed {
			return fmt.Errorf("%w: evidence %s failed verification", evidence.ErrIntegrity, it.ID)
		}
		if tasks, err = r.Dispatch.DispatchApplicable(ctx, it, actor, origin); err != nil {
			return err
		}
	}
	for _, n := range names {
		t, err := r.Dispatch.Dispatch(ctx, appanalysis.DispatchCommand{
			EvidenceID: string(evidenceID(req)), Plugin: n, Actor: actor, ClientOrigin: origin,
		})
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	r.Metrics.TasksDispatched.Add(uint64(len(tasks)))
	if tasks == nil {
		tasks = []*analysis.Task{}
	}
	return writeJSON(w, http.StatusAccepted, tasks)
}

func (r *Router) handleTasks(w http.ResponseWriter, req *http.Request) error {
	if _, err := r.Evidence.Get(req.Context(), evidenceID(req)); err != nil {
		return err
	}
	tasks, err := r.Scheduler.Tasks(req.Context(), string(evidenceID(req)))
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*analysis.Task{}
	}
	return writeJSON(w, http.StatusOK, tasks)
}

// GET /v1/evidence/{id}/results?plugin=&latest=true
func (r *Router) handleResults(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	if latest, _ := strconv.ParseBool(q.Get("latest")); latest {
		m, err := r.Results.Latest(req.Context(), string(evidenceID(req)))
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, m)
	}
	if p := q.Get("plugin"); p != "" {
		if err := middleware.ValidatePluginName(p); err != nil {
			return badRequest{err.Error()}
		}
	}
	list, err := r.Results.List(req.Context(), string(evidenceID(req)), q.Get("plugin"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleResult(w http.ResponseWriter, req *http.Request) error {
	res, err := r.Results.Get(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleTask(w http.ResponseWriter, req *http.Request) error {
	st, err := r.Scheduler.Status(req.Context(), analysis.TaskID(chi.URLParam(req, "id")))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, st)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	t, err := r.Scheduler.Cancel(req.Context(), analysis.TaskID(chi.URLParam(req, "id")))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, t)
}

func (r *Router) handlePlugins(w http.ResponseWriter, req *http.Request) error {
	return writeJSON(w, http.StatusOK, r.Dispatch.List())
}

func (r *Router) handleSchedulerStats(w http.ResponseWriter, req *http.Request) error {
	st, err := r.Scheduler.Stats(req.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, st)
}
