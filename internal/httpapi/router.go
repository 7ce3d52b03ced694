package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 websocket 升级等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterSyncRoutes 注册同步服务的所有 HTTP 路由
func (r *Router) RegisterSyncRoutes(h *SyncHandler) {
	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		h.Health(w, req)
	})

	// rooms/{id}/state 与 rooms/{id}/complete
	r.Handle("/sync/api/v1/rooms/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/sync/api/v1/rooms/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		roomID, action := parts[0], parts[1]
		switch {
		case action == "state" && req.Method == http.MethodGet:
			h.GetRoomState(w, req, roomID)
		case action == "complete" && req.Method == http.MethodPost:
			h.CompleteRoom(w, req, roomID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	// fallback/{eventType}
	r.Handle("/sync/api/v1/fallback/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		eventType := strings.TrimPrefix(req.URL.Path, "/sync/api/v1/fallback/")
		if eventType == "" || strings.Contains(eventType, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ApplyFallback(w, req, eventType)
	})

	r.Handle("/sync/api/v1/stats/reconcile", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ReconcileStats(w, req)
	})
	r.Handle("/sync/api/v1/stats/delivery", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.DeliveryStats(w, req)
	})
}
