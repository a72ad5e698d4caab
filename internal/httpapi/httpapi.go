package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/logging"
	"kasirinaja/invoicing/internal/metrics"
	"kasirinaja/invoicing/internal/service"
)

const (
	actorKey         = "actor"
	managerPINHeader = "X-Manager-PIN"
	maxBodyBytes     = 1 << 20
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	binding.EnableDecoderDisallowUnknownFields = true
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		logger:        logging.OrNop(logger),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether it is within the window
// budget.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(a.securityHeaders())
	router.Use(prometheusMiddleware())
	router.Use(a.requestLogger())

	router.GET("/healthz", a.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/auth/login", a.handleLogin)

	staff := v1.Group("", a.requireAuth(domain.RoleCashier, domain.RoleAdmin))
	{
		staff.GET("/products", a.handleListProducts)
		staff.GET("/products/:id", a.handleGetProduct)
		staff.GET("/products/barcode/:barcode", a.handleProductByBarcode)

		staff.GET("/carts/:terminal", a.handleGetCart)
		staff.DELETE("/carts/:terminal", a.handleClearCart)
		staff.POST("/carts/:terminal/lines", a.handleAddCartLine)
		staff.PUT("/carts/:terminal/lines/:product_id", a.handleUpdateCartLine)
		staff.DELETE("/carts/:terminal/lines/:product_id", a.handleRemoveCartLine)
		staff.PUT("/carts/:terminal/adjustments", a.handleSetAdjustments)
		staff.POST("/carts/:terminal/checkout", a.handleCheckout)

		staff.GET("/invoices", a.handleListInvoices)
		staff.GET("/invoices/:id", a.handleGetInvoice)
		staff.POST("/invoices/:id/void", a.handleVoidInvoice)
		staff.DELETE("/invoices/:id", a.handleDeleteInvoice)
	}

	admin := v1.Group("", a.requireAuth(domain.RoleAdmin))
	{
		admin.POST("/products", a.handleCreateProduct)
		admin.PATCH("/products/:id", a.handleUpdateProduct)
		admin.PATCH("/invoices/:id", a.handleUpdateInvoice)

		admin.GET("/analytics/summary", a.handleSummary)
		admin.GET("/analytics/top-products", a.handleTopProducts)
		admin.GET("/analytics/daily", a.handleDaily)

		admin.GET("/audit-logs", a.handleAuditLogs)
		admin.GET("/users/cashiers", a.handleListCashiers)
		admin.POST("/users/cashiers", a.handleCreateCashier)
	}

	return router
}

func (a *API) requireAuth(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(c, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(c, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(c, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		c.Set(actorKey, actor)
		c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// requireManagerPIN lets admins through and asks cashiers for the manager PIN.
func (a *API) requireManagerPIN(c *gin.Context, pin string) bool {
	actor, _ := service.ActorFromContext(c.Request.Context())
	if actor.Role == domain.RoleAdmin {
		return true
	}
	if !a.pinLimiter.Allow("pin:" + clientKey(c.Request)) {
		writeError(c, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(c, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(c *gin.Context) {
	if !a.loginLimiter.Allow(clientKey(c.Request)) {
		writeError(c, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		writeError(c, http.StatusUnauthorized, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleListProducts(c *gin.Context) {
	products, err := a.service.ListProducts(c.Request.Context(), c.Query("q"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (a *API) handleGetProduct(c *gin.Context) {
	product, err := a.service.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

func (a *API) handleProductByBarcode(c *gin.Context) {
	product, err := a.service.ProductByBarcode(c.Request.Context(), c.Param("barcode"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

func (a *API) handleCreateProduct(c *gin.Context) {
	var req domain.ProductCreateRequest
	if !bindJSON(c, &req) {
		return
	}
	product, err := a.service.CreateProduct(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product": product})
}

func (a *API) handleUpdateProduct(c *gin.Context) {
	var req domain.ProductUpdateRequest
	if !bindJSON(c, &req) {
		return
	}
	product, err := a.service.UpdateProduct(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

func (a *API) handleGetCart(c *gin.Context) {
	view, err := a.service.Cart(c.Param("terminal"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cart": view})
}

func (a *API) handleClearCart(c *gin.Context) {
	view, err := a.service.ClearCart(c.Param("terminal"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cart": view})
}

func (a *API) handleAddCartLine(c *gin.Context) {
	var req domain.CartLineRequest
	if !bindJSON(c, &req) {
		return
	}
	view, err := a.service.AddToCart(c.Request.Context(), c.Param("terminal"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cart": view})
}

func (a *API) handleUpdateCartLine(c *gin.Context) {
	var req domain.CartQuantityRequest
	if !bindJSON(c, &req) {
		return
	}
	view, err := a.service.UpdateCartLine(c.Request.Context(), c.Param("terminal"), c.Param("product_id"), req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cart": view})
}

func (a *API) handleRemoveCartLine(c *gin.Context) {
	view, err := a.service.RemoveCartLine(c.Param("terminal"), c.Param("product_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cart": view})
}

func (a *API) handleSetAdjustments(c *gin.Context) {
	var req domain.Adjustments
	if !bindJSON(c, &req) {
		return
	}
	view, err := a.service.SetCartAdjustments(c.Param("terminal"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cart": view})
}

func (a *API) handleCheckout(c *gin.Context) {
	var req domain.CheckoutRequest
	if !bindJSON(c, &req) {
		return
	}
	inv, err := a.service.Checkout(c.Request.Context(), c.Param("terminal"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

func (a *API) handleListInvoices(c *gin.Context) {
	filter, err := a.invoiceFilter(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	invoices, err := a.service.ListInvoices(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	limit := parsePositiveLimit(c.Query("limit"), 100, 1000)
	if len(invoices) > limit {
		invoices = invoices[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

func (a *API) handleGetInvoice(c *gin.Context) {
	inv, err := a.service.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

func (a *API) handleUpdateInvoice(c *gin.Context) {
	var req domain.InvoiceUpdateRequest
	if !bindJSON(c, &req) {
		return
	}
	inv, err := a.service.UpdateInvoice(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

func (a *API) handleVoidInvoice(c *gin.Context) {
	var req domain.VoidInvoiceRequest
	if !bindJSON(c, &req) {
		return
	}
	pin := req.ManagerPIN
	if pin == "" {
		pin = c.GetHeader(managerPINHeader)
	}
	if !a.requireManagerPIN(c, pin) {
		return
	}
	inv, err := a.service.VoidInvoice(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

func (a *API) handleDeleteInvoice(c *gin.Context) {
	if !a.requireManagerPIN(c, c.GetHeader(managerPINHeader)) {
		return
	}
	inv, err := a.service.DeleteInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": inv})
}

func (a *API) handleSummary(c *gin.Context) {
	r, err := a.periodRange(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	summary, err := a.service.Summary(c.Request.Context(), r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func (a *API) handleTopProducts(c *gin.Context) {
	r, err := a.periodRange(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	ranking, err := a.service.TopProducts(c.Request.Context(), r, parsePositiveLimit(c.Query("limit"), 10, 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": ranking})
}

func (a *API) handleDaily(c *gin.Context) {
	r, err := a.periodRange(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	buckets, err := a.service.DailyBreakdown(c.Request.Context(), r)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": buckets})
}

func (a *API) handleAuditLogs(c *gin.Context) {
	logs, err := a.service.ListAuditLogs(c.Request.Context(), parsePositiveLimit(c.Query("limit"), 100, 1000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": logs})
}

func (a *API) handleListCashiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cashiers": a.auth.ListCashiers(c.Request.Context())})
}

func (a *API) handleCreateCashier(c *gin.Context) {
	var req domain.CashierCreateRequest
	if !bindJSON(c, &req) {
		return
	}
	cashier, err := a.auth.CreateCashier(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"cashier": cashier})
}

// invoiceFilter reads from, to, status, min_total and max_total.
func (a *API) invoiceFilter(c *gin.Context) (domain.InvoiceFilter, error) {
	r, err := a.periodRange(c)
	if err != nil {
		return domain.InvoiceFilter{}, err
	}
	filter := domain.InvoiceFilter{From: r.From, To: r.To}

	switch status := strings.TrimSpace(c.Query("status")); status {
	case "", domain.InvoiceStatusPaid, domain.InvoiceStatusVoided:
		filter.Status = status
	default:
		return domain.InvoiceFilter{}, fmt.Errorf("unknown status %q", status)
	}
	if filter.MinTotal, err = parseDecimalParam(c.Query("min_total")); err != nil {
		return domain.InvoiceFilter{}, fmt.Errorf("min_total: %w", err)
	}
	if filter.MaxTotal, err = parseDecimalParam(c.Query("max_total")); err != nil {
		return domain.InvoiceFilter{}, fmt.Errorf("max_total: %w", err)
	}
	return filter, nil
}

// periodRange accepts RFC 3339 timestamps or plain dates. A plain "to" date
// covers that whole day.
func (a *API) periodRange(c *gin.Context) (domain.PeriodRange, error) {
	loc := a.service.Location()
	var r domain.PeriodRange
	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		from, _, err := parseTimeParam(raw, loc)
		if err != nil {
			return r, fmt.Errorf("from: %w", err)
		}
		r.From = &from
	}
	if raw := strings.TrimSpace(c.Query("to")); raw != "" {
		to, dateOnly, err := parseTimeParam(raw, loc)
		if err != nil {
			return r, fmt.Errorf("to: %w", err)
		}
		if dateOnly {
			to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		r.To = &to
	}
	return r, nil
}

func parseTimeParam(raw string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, errors.New("expected YYYY-MM-DD or RFC 3339 time")
	}
	return t, false, nil
}

func parseDecimalParam(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, errors.New("not a number")
	}
	return &d, nil
}

func (a *API) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+managerPINHeader)
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		h.Set("Vary", "Origin")

		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()
		a.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(startedAt)))
	}
}

func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// respondError maps engine errors onto HTTP statuses. Persistence failures are
// flagged as retryable.
func respondError(c *gin.Context, err error) {
	var stockErr *domain.StockError
	switch {
	case errors.As(err, &stockErr):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":      err.Error(),
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeError(c, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrInsufficientPayment), errors.Is(err, domain.ErrEmptyCart):
		writeError(c, http.StatusUnprocessableEntity, err)
	case errors.Is(err, domain.ErrAlreadyVoided),
		errors.Is(err, domain.ErrCannotModifyVoided),
		errors.Is(err, domain.ErrDuplicateInvoiceNumber):
		writeError(c, http.StatusConflict, err)
	case domain.IsRetryable(err):
		zap.L().Warn("persistence failure", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":     "storage temporarily unavailable, please retry",
			"retryable": true,
		})
	default:
		writeError(c, http.StatusInternalServerError, err)
	}
}

func writeError(c *gin.Context, status int, err error) {
	// 5xx responses get a generic message; 4xx messages are meant for the operator.
	msg := err.Error()
	if status >= 500 {
		zap.L().Error("internal error", zap.Int("status", status), zap.String("path", c.Request.URL.Path), zap.Error(err))
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
