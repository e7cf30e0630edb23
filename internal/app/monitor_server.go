package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"makerclose/internal/metrics"
	"makerclose/internal/monitor"
)

type serverDeps struct {
	monitor   *monitor.Service
	coord     *Coordinator
	normalize func(string) string
	// baseCtx 为后台平仓使用的 ctx，不随单个请求结束而取消
	baseCtx context.Context
	logger  *zap.Logger
}

func newMonitorMux(deps serverDeps) *http.ServeMux {
	logger := deps.logger
	mux := http.NewServeMux()

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := parseLimit(q.Get("limit"), 200)

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := deps.monitor.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, events, logger)
	})

	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		symbol := ""
		if raw := strings.TrimSpace(q.Get("symbol")); raw != "" {
			symbol = deps.normalize(raw)
		}

		runs, err := deps.monitor.ListRuns(r.Context(), symbol, parseLimit(q.Get("limit"), 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, runs, logger)
	})

	mux.HandleFunc("/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": deps.coord.Active()}, logger)
	})

	mux.HandleFunc("/close", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		raw := strings.TrimSpace(r.URL.Query().Get("symbol"))
		if raw == "" {
			http.Error(w, "symbol is required", http.StatusBadRequest)
			return
		}
		symbol := deps.normalize(raw)

		if err := deps.coord.Start(deps.baseCtx, symbol); err != nil {
			if errors.Is(err, ErrCloseInProgress) {
				writeJSON(w, http.StatusConflict, map[string]string{"symbol": symbol, "status": "in_progress"}, logger)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Info("收到平仓请求", zap.String("symbol", symbol), zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusAccepted, map[string]string{"symbol": symbol, "status": "started"}, logger)
	})

	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func startMonitorServer(ctx context.Context, deps serverDeps, port int) error {
	logger := deps.logger
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMonitorMux(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > 1000 {
		v = 1000
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("写入监控响应失败", zap.Error(err))
	}
}
