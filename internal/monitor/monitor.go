// Package monitor serves a read-only HTTP view of a running cluster.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"sort"
	"strconv"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"

	"github.com/roach88/scaleclock/internal/cluster"
)

// Source provides the state the monitor reports. *cluster.Registry
// implements it.
type Source interface {
	Status() []cluster.Status
	StatusOf(id int) (cluster.Status, bool)
}

var _ Source = (*cluster.Registry)(nil)

// Server is the monitor's HTTP server.
type Server struct {
	src    Source
	logger *slog.Logger
	router *mux.Router
	srv    *http.Server
	ln     net.Listener
}

// New builds the route table over src.
func New(src Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{src: src, logger: logger.With("component", "monitor")}

	r := mux.NewRouter()
	r.HandleFunc("/api/machines", s.listMachines).Methods(http.MethodGet)
	r.HandleFunc("/api/machines/{id:[0-9]+}", s.machineDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/resource", s.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", s.collectProfile).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds addr. Port 0 picks a free port; see Addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("monitor listening", "url", "http://"+ln.Addr().String()+"/api/machines")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve handles requests until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.srv == nil {
		return errors.New("monitor: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	})
	defer stop()

	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) listMachines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.src.Status())
}

func (s *Server) machineDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad machine id")
		return
	}

	st, ok := s.src.StatusOf(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no machine "+strconv.Itoa(id))
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
	Goroutines int     `json:"goroutines"`
}

func (s *Server) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	memory, err := proc.MemoryInfo()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memory.RSS,
		Goroutines: runtime.NumGoroutine(),
	})
}

// MaxProfileDuration bounds the ?duration of /api/profile.
const MaxProfileDuration = 30 * time.Second

// topFunctions is the number of functions /api/profile reports.
const topFunctions = 20

type profileRsp struct {
	Duration   string        `json:"duration"`
	SampleType string        `json:"sample_type"`
	Samples    int           `json:"samples"`
	Total      int64         `json:"total"`
	Top        []profileFunc `json:"top"`
}

type profileFunc struct {
	Function string `json:"function"`
	Flat     int64  `json:"flat"`
}

// collectProfile records a CPU profile for ?duration (default 1s) and
// reports the functions with the most samples.
func (s *Server) collectProfile(w http.ResponseWriter, r *http.Request) {
	d := time.Second
	if v := r.URL.Query().Get("duration"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 || parsed > MaxProfileDuration {
			s.writeError(w, http.StatusBadRequest, "duration must be in (0, "+MaxProfileDuration.String()+"]")
			return
		}
		d = parsed
	}

	buf := bytes.NewBuffer(nil)
	if err := pprof.StartCPUProfile(buf); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	select {
	case <-time.After(d):
	case <-r.Context().Done():
	}
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, summarizeProfile(prof, d))
}

// summarizeProfile totals the last sample type (cpu/nanoseconds for CPU
// profiles) per leaf function.
func summarizeProfile(prof *profile.Profile, d time.Duration) profileRsp {
	rsp := profileRsp{Duration: d.String(), Samples: len(prof.Sample), Top: []profileFunc{}}
	idx := len(prof.SampleType) - 1
	if idx < 0 {
		return rsp
	}
	rsp.SampleType = prof.SampleType[idx].Type + "/" + prof.SampleType[idx].Unit

	flat := map[string]int64{}
	for _, smp := range prof.Sample {
		if idx >= len(smp.Value) {
			continue
		}
		v := smp.Value[idx]
		rsp.Total += v
		if len(smp.Location) == 0 || len(smp.Location[0].Line) == 0 || smp.Location[0].Line[0].Function == nil {
			continue
		}
		flat[smp.Location[0].Line[0].Function.Name] += v
	}

	for name, v := range flat {
		rsp.Top = append(rsp.Top, profileFunc{Function: name, Flat: v})
	}
	sort.Slice(rsp.Top, func(i, j int) bool {
		if rsp.Top[i].Flat != rsp.Top[j].Flat {
			return rsp.Top[i].Flat > rsp.Top[j].Flat
		}
		return rsp.Top[i].Function < rsp.Top[j].Function
	})
	if len(rsp.Top) > topFunctions {
		rsp.Top = rsp.Top[:topFunctions]
	}
	return rsp
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}
