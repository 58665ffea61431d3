package sage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	apiPrefix             = "/api"
	apiHealthCheck        = "/api/health"
	apiPathVersion        = "/api/version"
	apiPathFAQs           = "/faqs"
	apiPathFAQByID        = "/faqs/:id"
	apiPathFAQImport      = "/faqs/import"
	apiPathFAQExport      = "/faqs/export"
	apiPathFAQCategories  = "/faqs/categories"
	apiPathStats          = "/stats"
	apiPathStatsCategory  = "/stats/categories"
	apiPathStatsHistory   = "/stats/:faq_id/history"
	apiPathRuntimeConfig  = "/config"
	apiPathQuit           = "/quit"
	defaultHistoryLimit   = 50
	statsTimeframeToday   = "today"
	statsTimeframeWeek    = "week"
	statsTimeframeMonth   = "month"
	statsTimeframeAll     = "all"
)

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// API serves the FAQ management and analytics endpoints.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

func newAPI(s *Sage, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
	}
	api.handlers = NewAPIHandlers(s)
	api.logger = setupLogger.With(loggerNameKey, "api")

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	r.Use(
		gin.Recovery(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)
	r.GET(apiPathVersion, api.handlers.version)

	rg := r.Group(apiPrefix)
	rg.GET(apiPathFAQs, api.handlers.listFAQs)
	rg.POST(apiPathFAQs, api.handlers.createFAQ)
	rg.PUT(apiPathFAQByID, api.handlers.updateFAQ)
	rg.DELETE(apiPathFAQByID, api.handlers.deleteFAQ)
	rg.POST(apiPathFAQImport, api.handlers.importFAQs)
	rg.GET(apiPathFAQExport, api.handlers.exportFAQs)
	rg.GET(apiPathFAQCategories, api.handlers.listCategories)

	rg.GET(apiPathStats, api.handlers.usageStats)
	rg.GET(apiPathStatsCategory, api.handlers.categoryStats)
	rg.GET(apiPathStatsHistory, api.handlers.usageHistory)

	rg.GET(apiPathRuntimeConfig, api.handlers.getRuntimeConfig)
	rg.PATCH(apiPathRuntimeConfig, api.handlers.updateRuntimeConfig)

	rg.POST(apiPathQuit, api.handlers.quit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// APIHandlers implements the HTTP endpoint handlers.
type APIHandlers struct {
	sage   *Sage
	logger *slog.Logger
}

func NewAPIHandlers(s *Sage) *APIHandlers {
	return &APIHandlers{
		sage:   s,
		logger: s.logger.With(loggerNameKey, "api_handlers"),
	}
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	status := gin.H{
		"ready":            true,
		"discord_connected": h.sage.discord.connected.Load(),
		"messages_handled": h.sage.messagesHandled.Load(),
		"answers_sent":     h.sage.answersSent.Load(),
		"uptime":           time.Since(h.sage.startedAt).String(),
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandlers) version(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"version":    Version,
			"commit_sha": CommitSHA,
			"build_time": BuildTime,
		},
	)
}

func (h *APIHandlers) quit(c *gin.Context) {
	ginReplyMessage(c, "stopping")
	go h.sage.Stop()
}

func (h *APIHandlers) listFAQs(c *gin.Context) {
	entries, err := h.sage.faqs.ListAll(c.Request.Context())
	if err != nil {
		ginReplyError(c, "error listing FAQs")
		return
	}
	if category := c.Query("category"); category != "" {
		filtered := make([]FAQEntry, 0, len(entries))
		for _, entry := range entries {
			if entry.Category == category ||
				entry.TopLevelCategory() == category {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	c.JSON(http.StatusOK, entries)
}

type faqCreateRequest struct {
	Question string `json:"question" binding:"required"`
	Answer   string `json:"answer" binding:"required"`
	Category string `json:"category"`
	Link     string `json:"link" binding:"omitempty,url"`
}

func (h *APIHandlers) createFAQ(c *gin.Context) {
	var req faqCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}
	entry := FAQEntry{
		Question: req.Question,
		Answer:   req.Answer,
		Category: req.Category,
		Link:     req.Link,
	}
	if err := h.sage.faqs.Create(c.Request.Context(), &entry); err != nil {
		ginContextLogger(c).Error("error creating FAQ", tint.Err(err))
		ginReplyError(c, "error creating FAQ")
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *APIHandlers) updateFAQ(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "invalid FAQ ID"},
		)
		return
	}
	var req faqCreateRequest
	if err = c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}
	entry := FAQEntry{
		ModelUintID: ModelUintID{ID: uint(id)},
		Question:    req.Question,
		Answer:      req.Answer,
		Category:    req.Category,
		Link:        req.Link,
	}
	err = h.sage.faqs.Update(c.Request.Context(), &entry)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "FAQ not found"},
		)
	case err != nil:
		ginContextLogger(c).Error("error updating FAQ", tint.Err(err))
		ginReplyError(c, "error updating FAQ")
	default:
		c.JSON(http.StatusOK, entry)
	}
}

func (h *APIHandlers) deleteFAQ(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "invalid FAQ ID"},
		)
		return
	}
	err = h.sage.faqs.Delete(c.Request.Context(), uint(id))
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "FAQ not found"},
		)
	case err != nil:
		ginContextLogger(c).Error("error deleting FAQ", tint.Err(err))
		ginReplyError(c, "error deleting FAQ")
	default:
		ginReplyMessage(c, "deleted")
	}
}

func (h *APIHandlers) importFAQs(c *gin.Context) {
	var entries []FAQImportEntry
	if err := c.ShouldBindJSON(&entries); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}
	imported, err := h.sage.faqs.Import(c.Request.Context(), entries)
	if err != nil {
		ginContextLogger(c).Error("error importing FAQs", tint.Err(err))
		ginReplyError(c, "error importing FAQs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported})
}

func (h *APIHandlers) exportFAQs(c *gin.Context) {
	entries, err := h.sage.faqs.ListAll(c.Request.Context())
	if err != nil {
		ginReplyError(c, "error exporting FAQs")
		return
	}
	out := make([]FAQImportEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(
			out, FAQImportEntry{
				Question: entry.Question,
				Answer:   entry.Answer,
				Category: entry.Category,
				Link:     entry.Link,
			},
		)
	}
	c.Header(
		"Content-Disposition",
		`attachment; filename="faqs.json"`,
	)
	c.JSON(http.StatusOK, out)
}

func (h *APIHandlers) listCategories(c *gin.Context) {
	categories, err := h.sage.faqs.Categories(c.Request.Context())
	if err != nil {
		ginReplyError(c, "error listing categories")
		return
	}
	c.JSON(http.StatusOK, categories)
}

// statsSince translates a timeframe query value into a cutoff instant.
// Zero time means no cutoff.
func statsSince(timeframe string, now time.Time) (time.Time, error) {
	switch timeframe {
	case "", statsTimeframeAll:
		return time.Time{}, nil
	case statsTimeframeToday:
		year, month, day := now.Date()
		return time.Date(year, month, day, 0, 0, 0, 0, now.Location()), nil
	case statsTimeframeWeek:
		return now.AddDate(0, 0, -7), nil
	case statsTimeframeMonth:
		return now.AddDate(0, -1, 0), nil
	default:
		return time.Time{}, fmt.Errorf("invalid timeframe: %q", timeframe)
	}
}

func (h *APIHandlers) usageStats(c *gin.Context) {
	since, err := statsSince(c.Query("timeframe"), time.Now())
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}
	stats, err := h.sage.usage.Stats(
		c.Request.Context(), UsageStatsFilter{
			Since:    since,
			Category: c.Query("category"),
			UserID:   c.Query("user_id"),
		},
	)
	if err != nil {
		ginContextLogger(c).Error("error fetching usage stats", tint.Err(err))
		ginReplyError(c, "error fetching usage stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *APIHandlers) categoryStats(c *gin.Context) {
	counts, err := h.sage.usage.CategoryUsageCounts(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error fetching category stats", tint.Err(err))
		ginReplyError(c, "error fetching category stats")
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *APIHandlers) usageHistory(c *gin.Context) {
	faqID, err := strconv.ParseUint(c.Param("faq_id"), 10, 32)
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "invalid FAQ ID"},
		)
		return
	}
	limit := defaultHistoryLimit
	if rawLimit := c.Query("limit"); rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit < 1 {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: "invalid limit"},
			)
			return
		}
	}
	events, err := h.sage.usage.History(c.Request.Context(), uint(faqID), limit)
	if err != nil {
		ginContextLogger(c).Error("error fetching usage history", tint.Err(err))
		ginReplyError(c, "error fetching usage history")
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *APIHandlers) getRuntimeConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.sage.RuntimeConfig())
}

type runtimeConfigUpdateRequest struct {
	AutoResponseEnabled *bool     `json:"auto_response_enabled"`
	DisabledChannelIDs  *[]string `json:"disabled_channel_ids"`
}

// updateRuntimeConfig persists the requested changes and notifies running
// bot instances to reload.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	var req runtimeConfigUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}
	if req.AutoResponseEnabled == nil && req.DisabledChannelIDs == nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "no fields to update"},
		)
		return
	}

	ctx := c.Request.Context()
	cfg := h.sage.RuntimeConfig()
	if req.AutoResponseEnabled != nil {
		cfg.AutoResponseEnabled = *req.AutoResponseEnabled
	}
	if req.DisabledChannelIDs != nil {
		cfg.SetDisabledChannels(*req.DisabledChannelIDs)
	}
	if err := h.sage.db.WithContext(ctx).Save(&cfg).Error; err != nil {
		ginContextLogger(c).Error("error saving runtime config", tint.Err(err))
		ginReplyError(c, "error saving runtime config")
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	defer cancel()
	if h.sage.dbNotifier != nil {
		h.sage.dbNotifier.ReloadRuntimeConfig(notifyCtx)
	}
	c.JSON(http.StatusOK, cfg)
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics, keyed by method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
