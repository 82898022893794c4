package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/middlewares"
	"bitbucket.org/fonodata/royalty_backend/models"
	"bitbucket.org/fonodata/royalty_backend/models/reports"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"bitbucket.org/fonodata/royalty_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// httpStatusForError maps the domain error taxonomy onto HTTP statuses.
func httpStatusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrOverAllocation),
		errors.Is(err, models.ErrInsufficientFunds),
		errors.Is(err, models.ErrAlreadyDecided),
		errors.Is(err, models.ErrConflictClosed),
		errors.Is(err, models.ErrPostingHalted):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(httpStatusForError(err), gin.H{"error": err.Error()})
}

// requireActor rejects mutations that arrive without an authenticated actor.
// Audit rows need actor attribution, so anonymous writes cannot proceed.
func requireActor(c *gin.Context) bool {
	if _, ok := utils.GetActorIdFromContext(c.Request.Context()); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	return true
}

func requireAdmin(c *gin.Context) bool {
	if !requireActor(c) {
		return false
	}
	if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	return true
}

func pathIdParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func createProductoraHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		var input models.NewProductora
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		productora, err := models.CreateProductora(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, productora)
	}
}

func getProductoraHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		productora, err := models.GetProductora(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		balance, err := models.GetProductoraBalance(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"productora": productora, "balance": balance})
	}
}

func updateProductoraHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		id, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		var input models.UpdateProductoraInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		productora, err := models.UpdateProductora(c.Request.Context(), id, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, productora)
	}
}

// clearPostingHaltHandler re-enables posting after a chain inconsistency has
// been manually reconciled. Admin only.
func clearPostingHaltHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		id, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		if err := models.ClearPostingHalt(c.Request.Context(), id); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"productora_id": id, "posting_halted": false})
	}
}

func createPhonogramHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		var input models.NewPhonogram
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		phonogram, err := models.CreatePhonogram(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, phonogram)
	}
}

func getPhonogramHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		phonogram, err := models.GetPhonogram(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, phonogram)
	}
}

func correctPhonogramHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		id, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		var input models.CorrectPhonogramInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		phonogram, err := models.CorrectPhonogram(c.Request.Context(), id, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, phonogram)
	}
}

type registerClaimRequest struct {
	ProductoraId int    `json:"productora_id" binding:"required"`
	Percentage   string `json:"percentage" binding:"required"`
	FromDate     string `json:"from_date" binding:"required"`
}

func registerClaimHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		phonogramId, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		var req registerClaimRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		percentage, err := decimal.NewFromString(req.Percentage)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "percentage must be a decimal number"})
			return
		}
		fromDate, err := time.Parse(time.RFC3339, req.FromDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from_date must be RFC3339"})
			return
		}
		interval, err := workflow.RegisterOwnershipClaim(c.Request.Context(), logger, phonogramId, req.ProductoraId, percentage, fromDate)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, interval)
	}
}

func ownershipHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		phonogramId, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		at := time.Now().UTC()
		if v := strings.TrimSpace(c.Query("at")); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "at must be RFC3339"})
				return
			}
			at = parsed
		}
		if _, err := models.GetPhonogram(c.Request.Context(), phonogramId); err != nil {
			abortWithError(c, err)
			return
		}
		shares, err := models.ActiveOwnership(c.Request.Context(), phonogramId, at)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"phonogram_id": phonogramId,
			"at":           at.Format(time.RFC3339),
			"shares":       shares,
			"total":        models.TotalAllocation(shares),
		})
	}
}

func ownershipHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		phonogramId, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		if _, err := models.GetPhonogram(c.Request.Context(), phonogramId); err != nil {
			abortWithError(c, err)
			return
		}
		intervals, err := models.OwnershipHistory(c.Request.Context(), phonogramId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, intervals)
	}
}

type ingestBatchRequest struct {
	SourceRef string            `json:"source_ref"`
	Rows      []models.BatchRow `json:"rows" binding:"required"`
}

func ingestBatchHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		kind, err := models.ParseBatchKind(c.Param("kind"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var req ingestBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if len(req.Rows) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rows must not be empty"})
			return
		}
		result, err := workflow.IngestBatch(c.Request.Context(), logger, kind, req.Rows, req.SourceRef)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func getBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		batch, err := models.GetBatch(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func batchRejectedRowsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		if _, err := models.GetBatch(c.Request.Context(), id); err != nil {
			abortWithError(c, err)
			return
		}
		rows, err := models.ListRejectedRows(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func ledgerHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productoraId, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		limit := 50
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		var after *string
		if v := c.Query("after"); v != "" {
			after = &v
		}

		filter := &models.LedgerHistoryFilter{}
		if v := strings.TrimSpace(c.Query("kind")); v != "" {
			kind := models.LedgerTransactionKind(v)
			filter.Kind = &kind
		}
		if v := strings.TrimSpace(c.Query("batch_id")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id must be an integer"})
				return
			}
			filter.BatchId = &n
		}
		if v := strings.TrimSpace(c.Query("from")); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
				return
			}
			filter.From = &t
		}
		if v := strings.TrimSpace(c.Query("to")); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
				return
			}
			filter.To = &t
		}

		page, err := models.PaginateLedgerHistory(c.Request.Context(), productoraId, limit, after, filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func ledgerExportHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		productoraId, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		if _, err := models.GetProductora(c.Request.Context(), productoraId); err != nil {
			abortWithError(c, err)
			return
		}

		toDate := time.Now().UTC()
		fromDate := toDate.AddDate(0, -1, 0)
		if v := strings.TrimSpace(c.Query("from")); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
				return
			}
			fromDate = t
		}
		if v := strings.TrimSpace(c.Query("to")); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
				return
			}
			toDate = t
		}

		rows, err := reports.GetLedgerStatement(c.Request.Context(), productoraId, fromDate, toDate)
		if err != nil {
			abortWithError(c, err)
			return
		}
		filename := fmt.Sprintf("ledger_statement_%d_%s.xlsx", productoraId, toDate.Format("20060102"))
		if err := reports.WriteLedgerStatementExcel(c.Writer, rows, filename); err != nil {
			config.LogError(logger, "server.go", "ledgerExportHandler", "WriteLedgerStatementExcel", productoraId, err)
		}
	}
}

type fileConflictRequest struct {
	PhonogramId           int    `json:"phonogram_id" binding:"required"`
	ClaimantProductoraIds []int  `json:"claimant_productora_ids" binding:"required"`
	Description           string `json:"description"`
}

func fileConflictHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		var req fileConflictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		conflict, err := workflow.FileConflict(c.Request.Context(), logger, req.PhonogramId, req.ClaimantProductoraIds, req.Description)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, conflict)
	}
}

func getConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		conflict, err := models.GetConflict(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, conflict)
	}
}

func listConflictsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var phonogramId *int
		if v := strings.TrimSpace(c.Query("phonogram_id")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "phonogram_id must be an integer"})
				return
			}
			phonogramId = &n
		}
		var state *models.ConflictState
		if v := strings.TrimSpace(c.Query("state")); v != "" {
			s := models.ConflictState(v)
			state = &s
		}
		conflicts, err := models.ListConflicts(c.Request.Context(), phonogramId, state)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, conflicts)
	}
}

type castDecisionRequest struct {
	InvolvedPartyId int    `json:"involved_party_id" binding:"required"`
	Value           string `json:"value" binding:"required"`
}

func castDecisionHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		conflictId, ok := pathIdParam(c, "id")
		if !ok {
			return
		}
		var req castDecisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		value, err := models.ParseDecisionValue(req.Value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		decision, err := workflow.CastDecision(c.Request.Context(), logger, conflictId, req.InvolvedPartyId, value)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, decision)
	}
}

func auditEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var limit *int
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = &n
		}
		var after *string
		if v := c.Query("after"); v != "" {
			after = &v
		}
		var tableName *string
		if v := strings.TrimSpace(c.Query("table")); v != "" {
			tableName = &v
		}
		var referenceId *int
		if v := strings.TrimSpace(c.Query("reference_id")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "reference_id must be an integer"})
				return
			}
			referenceId = &n
		}
		var actorId *int
		if v := strings.TrimSpace(c.Query("actor_id")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "actor_id must be an integer"})
				return
			}
			actorId = &n
		}

		page, err := models.PaginateAuditEntries(c.Request.Context(), limit, after, tableName, referenceId, actorId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// reconcileHandler runs the ledger chain and ownership allocation checks on
// demand. Admin only; schedulers hit this endpoint or run the ledger-verify job.
func reconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		correlationId, err := workflow.RunLedgerReconciliationChecks(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "correlation_id": correlationId})
			return
		}
		c.JSON(http.StatusOK, gin.H{"correlation_id": correlationId})
	}
}

func reconciliationReportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		checkType := strings.TrimSpace(c.Query("check_type"))
		entityId := 0
		if v := strings.TrimSpace(c.Query("entity_id")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "entity_id must be an integer"})
				return
			}
			entityId = n
		}
		var since *time.Time
		if v := strings.TrimSpace(c.Query("since")); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
				return
			}
			since = &t
		}
		results, err := models.ListReconciliationReports(c.Request.Context(), checkType, entityId, since)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

type outboxReplayRequest struct {
	RecordId int `json:"record_id"`
}

// outboxReplayHandler resets a DEAD/FAILED notification record so the
// dispatcher picks it up again. Admin only.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "record_id is required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.NotificationRecord{}).
			Where("id = ?", req.RecordId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/productoras", createProductoraHandler())
	r.GET("/productoras/:id", getProductoraHandler())
	r.PUT("/productoras/:id", updateProductoraHandler())
	r.POST("/productoras/:id/clear-halt", clearPostingHaltHandler())
	r.GET("/productoras/:id/ledger", ledgerHistoryHandler())
	r.GET("/productoras/:id/ledger/export", ledgerExportHandler(logger))

	r.POST("/phonograms", createPhonogramHandler())
	r.GET("/phonograms/:id", getPhonogramHandler())
	r.PUT("/phonograms/:id", correctPhonogramHandler())
	r.POST("/phonograms/:id/claims", registerClaimHandler(logger))
	r.GET("/phonograms/:id/ownership", ownershipHandler())
	r.GET("/phonograms/:id/ownership/history", ownershipHistoryHandler())

	r.POST("/batches/:kind", ingestBatchHandler(logger))
	r.GET("/batches/:id", getBatchHandler())
	r.GET("/batches/:id/rejected", batchRejectedRowsHandler())

	r.POST("/conflicts", fileConflictHandler(logger))
	r.GET("/conflicts", listConflictsHandler())
	r.GET("/conflicts/:id", getConflictHandler())
	r.POST("/conflicts/:id/decisions", castDecisionHandler(logger))

	r.GET("/audit", auditEntriesHandler())

	// Ops tooling (admin only).
	r.POST("/internal/ops/reconcile", reconcileHandler())
	r.GET("/internal/ops/reconciliation-reports", reconciliationReportsHandler())
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
