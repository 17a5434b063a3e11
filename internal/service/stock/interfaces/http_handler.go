// internal/service/stock/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const serviceName = "stock-service"

// StockHandler 封装了 stock 服务的 HTTP 处理器。
// 这里只做协议转换：鉴权、限流等横切能力由网关承担。
type StockHandler struct {
	service        *application.StockApplicationService
	reserveTimeout time.Duration
}

// NewStockHandler 创建一个新的 HTTP 处理器实例。
func NewStockHandler(service *application.StockApplicationService, reserveTimeout time.Duration) *StockHandler {
	if reserveTimeout <= 0 {
		reserveTimeout = 5 * time.Second
	}
	return &StockHandler{service: service, reserveTimeout: reserveTimeout}
}

// RegisterRoutes 在 ServeMux 上注册所有路由。
func (h *StockHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/reserve_stock", h.reserveStockHandler)
	mux.HandleFunc("/reservations", h.reservationsByOrderHandler)
	mux.HandleFunc("/reservation", h.reservationByIDHandler)
	mux.HandleFunc("/stock_availability", h.availabilityHandler)
	mux.HandleFunc("/admin/products", h.upsertProductHandler)
}

func (h *StockHandler) reserveStockHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	tracer := otel.Tracer(serviceName)
	ctx, span := tracer.Start(ctx, "http.ReserveStock")
	defer span.End()

	var req application.ReserveStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// 调用方未显式给 deadline 时使用服务端兜底超时
	ctx, cancel := context.WithTimeout(ctx, h.reserveTimeout)
	defer cancel()

	resp, err := h.service.Reserve(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (h *StockHandler) reservationsByOrderHandler(w http.ResponseWriter, r *http.Request) {
	reservations, err := h.service.GetReservationsByOrder(r.Context(), r.URL.Query().Get("orderId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, reservations)
}

func (h *StockHandler) reservationByIDHandler(w http.ResponseWriter, r *http.Request) {
	reservation, err := h.service.GetReservation(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, reservation)
}

func (h *StockHandler) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("productId")
	available, err := h.service.GetAvailability(r.Context(), productID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"productId": productID, "availableQuantity": available})
}

// upsertProductHandler 新建或重置商品库存（运维/初始化用）。
func (h *StockHandler) upsertProductHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ProductID         string `json:"productId"`
		Name              string `json:"name"`
		AvailableQuantity int    `json:"availableQuantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := h.service.UpsertProduct(r.Context(), &domain.Product{
		ProductID:         body.ProductID,
		Name:              body.Name,
		AvailableQuantity: body.AvailableQuantity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 把领域错误映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrReservationNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "reservation timed out", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
