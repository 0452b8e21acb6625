package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/models"
	"bitbucket.org/microsprings/factory_backend/utils"
	"bitbucket.org/microsprings/factory_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("factory-backend")

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// actorMiddleware resolves the acting user from headers into the request
// context. Every mutation requires it; reads go through without.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if idStr := c.GetHeader("x-actor-id"); idStr != "" {
			if id, err := strconv.Atoi(idStr); err == nil {
				ctx = utils.SetActorIdInContext(ctx, id)
			}
		}
		if name := c.GetHeader("x-actor-name"); name != "" {
			ctx = utils.SetActorNameInContext(ctx, name)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requireActor(c *gin.Context) (models.Actor, bool) {
	actor, err := models.ActorFromContext(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.Actor{}, false
	}
	return actor, true
}

// respondError maps the engine error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound), errors.Is(err, models.ErrLocationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInsufficientStock),
		errors.Is(err, models.ErrInsufficientLotQuantity),
		errors.Is(err, models.ErrPriorityTooLow),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrMaterialMismatch),
		errors.Is(err, models.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &validationErrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
	case errors.Is(err, models.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func createRawMaterialHandler(c *gin.Context) {
	var input models.NewRawMaterial
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	material, err := models.CreateRawMaterial(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, material)
}

func listRawMaterialsHandler(c *gin.Context) {
	materials, err := models.ListRawMaterials(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, materials)
}

func getRawMaterialHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	material, err := models.GetRawMaterial(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, material)
}

func deleteRawMaterialHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	material, err := models.DeleteRawMaterial(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, material)
}

func getStockBalanceHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	balance, err := models.GetStockBalance(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func listHeatNumbersHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	heats, err := models.ListAvailableHeatNumbers(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, heats)
}

func createManufacturingOrderHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var input models.NewManufacturingOrder
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	mo, err := models.CreateManufacturingOrder(c.Request.Context(), &input, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mo)
}

func getManufacturingOrderHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	mo, err := models.GetManufacturingOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mo)
}

func checkAvailabilityHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	result, err := workflow.CheckAvailability(c.Request.Context(), config.GetLogger(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func autoSwapHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	result, err := workflow.AutoSwapForMo(c.Request.Context(), config.GetLogger(), id, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func listMoAllocationsHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	allocations, err := models.ListAllocationsByMo(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocations)
}

func reserveAllocationHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var input workflow.NewAllocation
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	allocation, err := workflow.ReserveAllocation(c.Request.Context(), config.GetLogger(), input, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, allocation)
}

func getAllocationHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	allocation, err := models.GetAllocation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func allocationHistoryHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	history, err := models.ListAllocationHistory(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func lockAllocationHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	allocation, err := workflow.LockAllocation(c.Request.Context(), config.GetLogger(), id, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func releaseAllocationHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	_ = c.ShouldBindJSON(&body)
	allocation, err := workflow.ReleaseAllocation(c.Request.Context(), config.GetLogger(), id, actor, body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func swapAllocationHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var body struct {
		TargetMoId int `json:"target_mo_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, err)
		return
	}
	allocation, err := workflow.SwapAllocation(c.Request.Context(), config.GetLogger(), id, body.TargetMoId, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func receiveLotsHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var input workflow.NewGRMReceipt
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	receipt, err := workflow.ReceiveLots(c.Request.Context(), config.GetLogger(), input, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func getGRMReceiptHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	receipt, err := models.GetGRMReceipt(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func verifyGRMReceiptHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var body struct {
		Passed *bool `json:"passed" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, err)
		return
	}
	receipt, err := workflow.VerifyGRMReceipt(c.Request.Context(), config.GetLogger(), id, *body.Passed, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func consumeHeatHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input workflow.ConsumeHeatInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	input.HeatNumberId = id
	heat, err := workflow.ConsumeHeat(c.Request.Context(), config.GetLogger(), input, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, heat)
}

func createProductHandler(c *gin.Context) {
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	product, err := models.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func getProductHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	product, err := models.GetProduct(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func createBatchHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var input models.NewBatch
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	batch, err := models.CreateBatch(c.Request.Context(), &input, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func getBatchHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	batch, err := models.GetBatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func recordMovementHandler(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var input workflow.NewMovement
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	txn, err := workflow.RecordMovement(c.Request.Context(), config.GetLogger(), input, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func listMovementsHandler(c *gin.Context) {
	var filter models.TransactionFilter
	if v := c.Query("transaction_type"); v != "" {
		filter.TransactionType = models.TransactionType(v)
	}
	if v := c.Query("location_id"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			filter.LocationId = id
		}
	}
	if v := c.Query("heat_number_id"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			filter.HeatNumberId = id
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	rows, err := models.ListInventoryTransactions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func itemLocationHandler(c *gin.Context) {
	itemType, err := models.ParseItemType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	rows, err := workflow.CurrentLocation(c.Request.Context(), itemType, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func itemMovementsHandler(c *gin.Context) {
	itemType, err := models.ParseItemType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	rows, err := workflow.MovementHistory(c.Request.Context(), itemType, id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func createLocationHandler(c *gin.Context) {
	var input models.NewLocation
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	location, err := models.CreateLocation(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, location)
}

func listLocationsHandler(c *gin.Context) {
	locations, err := models.ListLocations(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, locations)
}

func locationItemsHandler(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	rows, err := models.ListItemsAtLocation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func rebuildStockBalancesHandler(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ops.rebuild-stock-balances")
	defer span.End()
	mismatches, err := workflow.RebuildStockBalances(ctx, config.GetLogger())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mismatches": mismatches})
}

func reconcileLocationsHandler(c *gin.Context) {
	repair := strings.EqualFold(c.Query("repair"), "true")
	ctx, span := tracer.Start(c.Request.Context(), "ops.reconcile-locations")
	defer span.End()
	mismatches, err := workflow.ReconcileItemLocations(ctx, config.GetLogger(), repair)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mismatches": mismatches, "repaired": repair})
}

func registerRoutes(r *gin.Engine) {
	api := r.Group("/api")

	api.POST("/raw-materials", createRawMaterialHandler)
	api.GET("/raw-materials", listRawMaterialsHandler)
	api.GET("/raw-materials/:id", getRawMaterialHandler)
	api.DELETE("/raw-materials/:id", deleteRawMaterialHandler)
	api.GET("/raw-materials/:id/stock-balance", getStockBalanceHandler)
	api.GET("/raw-materials/:id/heat-numbers", listHeatNumbersHandler)

	api.POST("/manufacturing-orders", createManufacturingOrderHandler)
	api.GET("/manufacturing-orders/:id", getManufacturingOrderHandler)
	api.GET("/manufacturing-orders/:id/availability", checkAvailabilityHandler)
	api.POST("/manufacturing-orders/:id/auto-swap", autoSwapHandler)
	api.GET("/manufacturing-orders/:id/allocations", listMoAllocationsHandler)

	api.POST("/allocations", reserveAllocationHandler)
	api.GET("/allocations/:id", getAllocationHandler)
	api.GET("/allocations/:id/history", allocationHistoryHandler)
	api.POST("/allocations/:id/lock", lockAllocationHandler)
	api.POST("/allocations/:id/release", releaseAllocationHandler)
	api.POST("/allocations/:id/swap", swapAllocationHandler)

	api.POST("/grm-receipts", receiveLotsHandler)
	api.GET("/grm-receipts/:id", getGRMReceiptHandler)
	api.POST("/grm-receipts/:id/verify", verifyGRMReceiptHandler)
	api.POST("/heat-numbers/:id/consume", consumeHeatHandler)

	api.POST("/products", createProductHandler)
	api.GET("/products/:id", getProductHandler)
	api.POST("/batches", createBatchHandler)
	api.GET("/batches/:id", getBatchHandler)

	api.POST("/movements", recordMovementHandler)
	api.GET("/movements", listMovementsHandler)
	api.GET("/items/:type/:id/location", itemLocationHandler)
	api.GET("/items/:type/:id/movements", itemMovementsHandler)

	api.POST("/locations", createLocationHandler)
	api.GET("/locations", listLocationsHandler)
	api.GET("/locations/:id/items", locationItemsHandler)

	// Ops tooling (admin only): reconciliation and rebuild triggers.
	r.POST("/internal/ops/rebuild-stock-balances", rebuildStockBalancesHandler)
	r.POST("/internal/ops/reconcile-locations", reconcileLocationsHandler)
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP; until DB/Redis are ready app endpoints
	// return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// deny all when unconfigured in production
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-actor-id", "x-actor-name", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(actorMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	registerRoutes(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
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
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// customErrorLogger logs only requests that accumulated errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
