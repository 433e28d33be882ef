package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/fanout"
	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/recovery"
)

func (s *Server) runFanout(w http.ResponseWriter, r *http.Request) {
	var req fanout.Request
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.deps.Fanout.Run(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createApplicationRequest struct {
	Address string   `json:"address"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
}

func (c createApplicationRequest) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.Required, validation.Length(1, 500)),
		validation.Field(&c.Lat,
			validation.When(c.Lng != nil, validation.NotNil),
			validation.Min(-90.0), validation.Max(90.0)),
		validation.Field(&c.Lng,
			validation.When(c.Lat != nil, validation.NotNil),
			validation.Min(-180.0), validation.Max(180.0)),
	)
}

func (s *Server) createApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in := model.NewApplication{Address: req.Address}
	if req.Lat != nil && req.Lng != nil {
		in.Coordinates = &model.Coordinates{Lat: *req.Lat, Lng: *req.Lng}
	}
	app, err := s.deps.Store.CreateApplication(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	queued := false
	if s.deps.Trigger != nil {
		if err := s.deps.Trigger.Trigger(r.Context(), app.ID); err != nil {
			// The record stays pending; the sweeper picks it up once stale.
			s.log.Warn("api: trigger failed", zap.String("application_id", app.ID), zap.Error(err))
		} else {
			queued = true
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"application": app,
		"queued":      queued,
	})
}

func (s *Server) getApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.deps.Store.GetApplication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) runRecovery(w http.ResponseWriter, r *http.Request) {
	var opts recovery.Options
	if err := decode(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validation.ValidateStruct(&opts,
		validation.Field(&opts.Limit, validation.Min(0), validation.Max(100)),
		validation.Field(&opts.IDs, validation.Length(0, 100), validation.Each(validation.Required)),
	); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.deps.Sweeper.Sweep(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) evaluateCost(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Evaluator.Evaluate(r.Context(), s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) systemMode(w http.ResponseWriter, r *http.Request) {
	cur, err := s.deps.Mode.Current(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit := 10
	if v := r.URL.Query().Get("history"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "history must be between 0 and 100")
			return
		}
		limit = n
	}
	history := []model.SystemModeState{}
	if limit > 0 {
		if history, err = s.deps.Mode.History(r.Context(), limit); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current": cur,
		"history": history,
	})
}

type resetModeRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) resetSystemMode(w http.ResponseWriter, r *http.Request) {
	var req resetModeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.Actor, validation.Required),
	); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, changed, err := s.deps.Mode.Reset(r.Context(), req.Actor, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":    state,
		"changed": changed,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Collector.Collect(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
