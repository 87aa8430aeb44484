package router

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"stock_reserve/internal/config"
	"stock_reserve/internal/middleware"
	"stock_reserve/internal/model"
	"stock_reserve/internal/orderstate"
	"stock_reserve/internal/reservation"
	"stock_reserve/internal/stock"
	"stock_reserve/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Setup registers all HTTP routes.
func Setup(r *gin.Engine, db *gorm.DB, rdb *rd.Client, ledger *stock.Ledger, reservations *reservation.Manager, machine *orderstate.Machine, webhooks *webhook.Service, cfg config.AppConfig) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	// Catalog (admin)
	r.POST("/api/products", createProduct(db, cfg.AdminToken))
	r.POST("/api/products/:product_id/variants", createVariant(db, cfg.AdminToken))
	r.POST("/api/products/:product_id/restock", restockProduct(db, cfg.AdminToken))

	// Stock & checkout
	r.GET("/api/stock/:product_id", getAvailableStock(db, ledger))
	r.POST("/api/checkout", middleware.CheckoutRateLimit(rdb, cfg.CheckoutRateLimit, cfg.CheckoutRateWindow), checkout(db, reservations))

	// Orders
	r.GET("/api/orders/:order_no", getOrder(db, machine))
	r.POST("/api/orders/:order_no/transition", transitionOrder(machine))
	r.POST("/api/orders/:order_no/cancel", cancelOrder(machine))

	// Webhooks
	r.POST("/api/webhooks/:provider", receiveWebhook(webhooks))
	r.GET("/api/webhooks/stats", webhookStats(webhooks))
}

// createProduct registers a sellable product with its physical stock.
func createProduct(db *gorm.DB, adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid admin token"})
			return
		}
		var req struct {
			Name       string `json:"name" binding:"required"`
			Stock      int64  `json:"stock" binding:"required,min=0"`
			PriceCents int64  `json:"price_cents" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		p := &model.Product{Name: req.Name, Stock: req.Stock, PriceCents: req.PriceCents}
		if err := db.Create(p).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
	}
}

func createVariant(db *gorm.DB, adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid admin token"})
			return
		}
		productID, ok := parseUintParam(c, "product_id")
		if !ok {
			return
		}
		var req struct {
			SKU        string `json:"sku" binding:"required"`
			Stock      int64  `json:"stock" binding:"required,min=0"`
			PriceCents int64  `json:"price_cents" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		var p model.Product
		if err := db.First(&p, productID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "product not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		v := &model.Variant{ProductID: productID, SKU: req.SKU, Stock: req.Stock, PriceCents: req.PriceCents}
		if err := db.Create(v).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
	}
}

// restockProduct is the manual restock path; the only stock increase
// besides post-commit cancellation compensation.
func restockProduct(db *gorm.DB, adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid admin token"})
			return
		}
		productID, ok := parseUintParam(c, "product_id")
		if !ok {
			return
		}
		var req struct {
			VariantID *uint `json:"variant_id"`
			Quantity  int64 `json:"quantity" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		var result *gorm.DB
		if req.VariantID != nil {
			result = db.Model(&model.Variant{}).
				Where("id = ? AND product_id = ?", *req.VariantID, productID).
				Update("stock", gorm.Expr("stock + ?", req.Quantity))
		} else {
			result = db.Model(&model.Product{}).
				Where("id = ?", productID).
				Update("stock", gorm.Expr("stock + ?", req.Quantity))
		}
		if result.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": result.Error.Error()})
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "product not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "restocked"})
	}
}

// getAvailableStock reports live availability: physical minus active
// reservations, computed on demand, never cached.
func getAvailableStock(db *gorm.DB, ledger *stock.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		productID, ok := parseUintParam(c, "product_id")
		if !ok {
			return
		}
		var variantID *uint
		if s := c.Query("variant_id"); s != "" {
			id, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid variant_id"})
				return
			}
			v := uint(id)
			variantID = &v
		}
		available, err := ledger.AvailableStock(db.WithContext(c.Request.Context()), productID, variantID)
		if err != nil {
			if errors.Is(err, stock.ErrProductNotFound) || errors.Is(err, stock.ErrVariantNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"available": available}})
	}
}

// checkout reserves stock and creates the pending order referencing the
// reservation. Losing the stock race is a 400 with the remaining
// quantity, not a generic error.
func checkout(db *gorm.DB, reservations *reservation.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID   uint   `json:"product_id" binding:"required,min=1"`
			VariantID   *uint  `json:"variant_id"`
			Quantity    int64  `json:"quantity" binding:"required,min=1"`
			RequesterID string `json:"requester_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		price, err := unitPrice(db, req.ProductID, req.VariantID)
		if err != nil {
			if errors.Is(err, stock.ErrProductNotFound) || errors.Is(err, stock.ErrVariantNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		res, err := reservations.CreateReservation(c.Request.Context(), req.ProductID, req.VariantID, req.Quantity, req.RequesterID)
		if err != nil {
			var insufficient *reservation.InsufficientStockError
			if errors.As(err, &insufficient) {
				c.JSON(http.StatusBadRequest, gin.H{
					"code": 400,
					"msg":  "insufficient stock",
					"data": gin.H{"available": insufficient.Available},
				})
				return
			}
			if errors.Is(err, stock.ErrProductNotFound) || errors.Is(err, stock.ErrVariantNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		orderNo := uuid.New().String()
		err = db.Transaction(func(tx *gorm.DB) error {
			order := &model.Order{
				OrderNo:    orderNo,
				UserID:     req.RequesterID,
				Status:     string(orderstate.StatusPending),
				TotalCents: price * req.Quantity,
			}
			if err := tx.Create(order).Error; err != nil {
				return err
			}
			return tx.Create(&model.OrderItem{
				OrderNo:    orderNo,
				ProductID:  req.ProductID,
				VariantID:  req.VariantID,
				Quantity:   req.Quantity,
				PriceCents: price,
			}).Error
		})
		if err == nil {
			err = reservations.LinkOrder(c.Request.Context(), res.ReservationID, orderNo)
		}
		if err != nil {
			// Order creation failed after the hold was taken: give the
			// stock back immediately rather than waiting for the TTL.
			_, _ = reservations.ReleaseReservation(c.Request.Context(), res.ReservationID)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "create order failed: " + err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"order_no":       orderNo,
				"reservation_id": res.ReservationID,
				"status":         orderstate.StatusPending,
				"expires_at":     res.ExpiresAt,
			},
		})
	}
}

func getOrder(db *gorm.DB, machine *orderstate.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderNo := c.Param("order_no")
		order, events, err := machine.Get(c.Request.Context(), orderNo)
		if err != nil {
			if errors.Is(err, orderstate.ErrOrderNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		var items []model.OrderItem
		if err := db.Where("order_no = ?", orderNo).Find(&items).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"order":  order,
			"items":  items,
			"events": events,
		}})
	}
}

// transitionOrder is the operator/admin path. A rejected transition
// answers with the legal next statuses for UI guidance.
func transitionOrder(machine *orderstate.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderNo := c.Param("order_no")
		var req struct {
			Status string `json:"status" binding:"required"`
			Actor  string `json:"actor" binding:"required"`
			Note   string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		order, err := machine.Transition(c.Request.Context(), orderNo, orderstate.Status(req.Status), req.Actor, req.Note)
		if err != nil {
			respondTransitionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": order})
	}
}

func cancelOrder(machine *orderstate.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderNo := c.Param("order_no")
		var req struct {
			Actor string `json:"actor"`
		}
		_ = c.ShouldBindJSON(&req)
		if req.Actor == "" {
			req.Actor = "user"
		}
		order, err := machine.Transition(c.Request.Context(), orderNo, orderstate.StatusCancelled, req.Actor, "")
		if err != nil {
			respondTransitionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": order})
	}
}

func respondTransitionError(c *gin.Context, err error) {
	var invalid *orderstate.InvalidTransitionError
	switch {
	case errors.Is(err, orderstate.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{
			"code": 409,
			"msg":  err.Error(),
			"data": gin.H{"legal_next": invalid.Legal},
		})
	case errors.Is(err, reservation.ErrNotCommittable):
		c.JSON(http.StatusConflict, gin.H{
			"code": 409,
			"msg":  "reservation no longer committable; order requires cancellation and refund",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
	}
}

// receiveWebhook is the provider-facing endpoint. Application-level
// outcomes (duplicate, unknown order) still answer 200 so providers
// only retry on transport failures; a bad signature is a 401.
func receiveWebhook(webhooks *webhook.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		signature := c.GetHeader("X-Webhook-Signature")
		externalEventID := c.GetHeader("X-Event-Id")
		if externalEventID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "missing X-Event-Id header"})
			return
		}
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "unreadable body"})
			return
		}

		result, _, err := webhooks.ReceiveEvent(c.Request.Context(), provider, externalEventID, payload, signature)
		switch result {
		case webhook.InvalidSignature:
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid signature"})
		case webhook.DuplicateIgnored:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"result": result}})
		case webhook.Accepted:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"result": result}})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
		}
	}
}

func webhookStats(webhooks *webhook.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := webhooks.RetryStats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": stats})
	}
}

func unitPrice(db *gorm.DB, productID uint, variantID *uint) (int64, error) {
	if variantID != nil {
		var v model.Variant
		if err := db.Where("product_id = ?", productID).First(&v, *variantID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, stock.ErrVariantNotFound
			}
			return 0, err
		}
		return v.PriceCents, nil
	}
	var p model.Product
	if err := db.First(&p, productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, stock.ErrProductNotFound
		}
		return 0, err
	}
	return p.PriceCents, nil
}

func parseUintParam(c *gin.Context, name string) (uint, bool) {
	idStr := c.Param(name)
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}
