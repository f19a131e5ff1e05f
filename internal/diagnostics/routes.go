package diagnostics

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/waypoint/internal/profile"
	"github.com/zulandar/waypoint/internal/session"
)

// registerRoutes sets up all diagnostics routes on the Gin router.
func registerRoutes(router *gin.Engine, s Session, p Profiles) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/session", handleSession(s))
	api.GET("/profile", handleProfile(p))
	api.GET("/events", handleSSE(s))
	api.POST("/logout", handleLogout(s))
	api.POST("/field-agent/refresh", handleRefresh(s))
}

func handleSession(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Diagnostics())
	}
}

// userView is a primary user with the cached password withheld.
type userView struct {
	UserID         int64  `json:"user_id"`
	Name           string `json:"name"`
	Mobile         string `json:"mobile"`
	Category       string `json:"category"`
	BranchID       int64  `json:"branch_id"`
	PasswordCached bool   `json:"password_cached"`
}

func redact(u *profile.PrimaryUser) *userView {
	if u == nil {
		return nil
	}
	return &userView{
		UserID:         u.UserID,
		Name:           u.Name,
		Mobile:         u.Mobile,
		Category:       u.Category,
		BranchID:       u.BranchID,
		PasswordCached: u.Password != "",
	}
}

func handleProfile(p Profiles) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, gin.H{
			"primary_user": redact(p.ReadPrimaryUserOnce(ctx)),
			"field_agent":  p.ReadFieldAgentOnce(ctx),
			"preferences":  p.ReadPreferencesOnce(ctx),
		})
	}
}

func handleLogout(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Logout(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"destination": s.Diagnostics().Destination,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"destination": s.Diagnostics().Destination})
	}
}

func handleRefresh(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.RefreshFieldAgent(c.Request.Context())
		switch {
		case errors.Is(err, session.ErrNotAuthenticated):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			d := s.Diagnostics()
			c.JSON(http.StatusOK, gin.H{"last_lookup": d.LastLookup})
		}
	}
}
