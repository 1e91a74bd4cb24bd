package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/continuity/internal/app"
	"github.com/dkeye/continuity/internal/app/conn"
	"github.com/dkeye/continuity/internal/app/orch"
	"github.com/dkeye/continuity/internal/config"
	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/core/chunk"
	"github.com/dkeye/continuity/internal/domain"
)

// Deps are the components the API drives.
type Deps struct {
	Machine  *conn.Machine
	Orch     *orch.Orchestrator
	Registry *app.Registry
	Outbox   *chunk.Outbox
	// Encoder is the configured backend encoder, shown by /api/encode.
	Encoder core.Encoder
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get("ct").(string)
		if token == "" {
			token = genClientToken()
			s.Set("ct", token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ContinuitySessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/connection", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Machine.Snapshot())
	})

	api.GET("/connection/events", func(c *gin.Context) {
		events, cancel := d.Machine.Subscribe()
		defer cancel()
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("state stream opened")

		c.SSEvent("state", d.Machine.Snapshot())
		c.Writer.Flush()
		c.Stream(func(io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case <-c.Request.Context().Done():
				return false
			case s, ok := <-events:
				if !ok {
					return false
				}
				c.SSEvent("state", s)
				return true
			}
		})
	})

	api.POST("/connection/connect", func(c *gin.Context) {
		err := d.Machine.Connect(ctx)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, d.Machine.Snapshot())
		case errors.Is(err, conn.ErrAlreadyActive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": d.Machine.Snapshot()})
		case errors.Is(err, conn.ErrDisposed):
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		default:
			writeError(c, err)
		}
	})

	api.POST("/connection/disconnect", func(c *gin.Context) {
		preserve := true
		if v := c.Query("preserve"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid preserve"})
				return
			}
			preserve = b
		}
		d.Machine.Disconnect(preserve)
		c.JSON(http.StatusOK, d.Machine.Snapshot())
	})

	api.POST("/connection/resume", func(c *gin.Context) {
		d.Machine.Resume()
		c.JSON(http.StatusAccepted, d.Machine.Snapshot())
	})

	api.POST("/network", func(c *gin.Context) {
		var req struct {
			Online *bool `json:"online"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing online"})
			return
		}
		d.Machine.OnReachabilityChanged(*req.Online)
		c.JSON(http.StatusAccepted, d.Machine.Snapshot())
	})

	api.POST("/device-change", func(c *gin.Context) {
		d.Machine.OnDeviceChanged()
		c.Status(http.StatusAccepted)
	})

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"key":   domain.ViewOf(d.Orch.Key()),
			"room":  d.Orch.Room(),
			"app":   d.Orch.State(),
			"media": gin.H{"levels": len(d.Orch.Levels())},
		})
	})

	api.POST("/verification", func(c *gin.Context) {
		var req struct {
			Verification *string `json:"verification"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Verification == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing verification"})
			return
		}
		if *req.Verification == "" {
			d.Orch.ClearVerification()
		} else {
			d.Orch.SetVerification(domain.ParseVerification(*req.Verification))
		}
		v, external := d.Orch.Verification()
		c.JSON(http.StatusOK, gin.H{
			"verification": v.String(),
			"external":     external,
			"key":          domain.ViewOf(d.Orch.Key()),
		})
	})

	// encode shows how the configured backend would carry a given key.
	api.POST("/encode", func(c *gin.Context) {
		var req struct {
			Type domain.KeyType `json:"type"`
			Key  string         `json:"key"`
			Body core.Body      `json:"body"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		key, ok := domain.ParseSessionKey(req.Type, req.Key)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session key"})
			return
		}
		if d.Encoder == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no encoder configured"})
			return
		}
		headers := core.Headers{}
		body := req.Body
		if body == nil {
			body = core.Body{}
		}
		d.Encoder.Encode(key, headers, body)
		c.JSON(http.StatusOK, gin.H{"key": domain.ViewOf(key), "headers": headers, "body": body})
	})

	api.POST("/mute", func(c *gin.Context) {
		var req struct {
			Muted bool `json:"muted"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		d.Orch.SetMuted(req.Muted)
		c.Status(http.StatusNoContent)
	})

	api.POST("/turn", func(c *gin.Context) {
		var body core.Body
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		reply, err := d.Orch.Do(c.Request.Context(), body)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", reply)
	})

	api.POST("/events/:kind", func(c *gin.Context) {
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		ev := chunk.Event{Kind: c.Param("kind"), Payload: payload, Coalesce: c.Query("coalesce") == "true"}
		if err := d.Outbox.Enqueue(ev); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	})

	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tracking": d.Registry.Tracking(), "sessions": d.Registry.List()})
	})

	api.GET("/sessions/:id", func(c *gin.Context) {
		s, ok := d.Registry.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, s)
	})

	api.DELETE("/sessions/:id", func(c *gin.Context) {
		if !d.Registry.Remove(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.DELETE("/sessions", func(c *gin.Context) {
		d.Registry.Clear()
		c.Status(http.StatusNoContent)
	})

	return r
}

func writeError(c *gin.Context, err error) {
	var ae *domain.AuthError
	var se *domain.SessionError
	var ce *domain.ConnectionError
	switch {
	case errors.As(err, &ae):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": ae.Code})
	case errors.As(err, &se):
		c.JSON(http.StatusGone, gin.H{"error": err.Error(), "session": se.SessionID, "reason": se.Reason})
	case errors.As(err, &ce):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "reason": ce.Reason, "attempts": ce.Attempts})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
