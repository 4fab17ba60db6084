package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cklxx/ciflow/internal/domain"
)

// webhookRequest is the JSON body accepted by the /webhooks/build-failed
// route. Field names follow the CI server's own notification schema.
type webhookRequest struct {
	Job           string         `json:"job"`
	BuildNumber   int64          `json:"build_number"`
	Branch        string         `json:"branch"`
	RepositoryURL string         `json:"repository_url"`
	CommitSHA     string         `json:"commit_sha"`
	Payload       map[string]any `json:"payload"`
}

// NewRouter builds the gin engine exposing the webhook ingress route, with
// CORS opened for the configured origins (the CI server's own domain in
// production).
func NewRouter(adapter *Adapter, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowMethods = []string{http.MethodPost, http.MethodGet}
	router.Use(cors.New(corsConfig))

	router.POST("/webhooks/build-failed", handleBuildFailed(adapter))
	router.GET("/healthz", handleHealthz)

	return router
}

func handleBuildFailed(adapter *Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
			return
		}

		var req webhookRequest
		// The whole body, payload included, is parsed strictly: a malformed
		// body is rejected here and never reaches decodePayload's repair
		// path. The payload is re-marshalled, so Receive gets valid JSON.
		if err := json.Unmarshal(raw, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook envelope"})
			return
		}
		if req.Job == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "job is required"})
			return
		}

		payloadBytes, err := json.Marshal(req.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload field"})
			return
		}

		build, err := adapter.Receive(c.Request.Context(), Notification{
			Job:           req.Job,
			BuildNumber:   req.BuildNumber,
			Branch:        req.Branch,
			RepositoryURL: req.RepositoryURL,
			CommitSHA:     req.CommitSHA,
			RawPayload:    payloadBytes,
		})
		if errors.Is(err, domain.ErrDuplicateBuild) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate build", "build_id": buildIDOrEmpty(build)})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"build_id": build.ID, "status": build.Status})
	}
}

func buildIDOrEmpty(build *domain.Build) string {
	if build == nil {
		return ""
	}
	return build.ID
}

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
