package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/cyto-check/internal/classifier"
	"github.com/example/cyto-check/internal/imageprocessor"
	"github.com/example/cyto-check/internal/usecase"
)

// MaxUploadSize caps the image part of an upload request.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and headers around the image part.
const multipartOverhead = 1 << 20

type sessionView struct {
	usecase.Snapshot
	OriginalURL  string `json:"original_url,omitempty"`
	AugmentedURL string `json:"augmented_url,omitempty"`
}

func newSessionView(snap usecase.Snapshot, withImages bool) sessionView {
	view := sessionView{Snapshot: snap}
	if withImages {
		if snap.Original != nil {
			view.OriginalURL = snap.Original.DataURL()
		}
		if snap.Augmented != nil {
			view.AugmentedURL = snap.Augmented.DataURL()
		}
	}
	return view
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.DiagnosisUseCase) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.POST("/sessions", func(c *gin.Context) {
		session := uc.CreateSession()
		c.JSON(http.StatusCreated, newSessionView(session.Snapshot(), false))
	})

	sessions := router.Group("/sessions/:id")
	sessions.Use(loadSession(uc))

	sessions.GET("", func(c *gin.Context) {
		session := currentSession(c)
		c.JSON(http.StatusOK, newSessionView(session.Snapshot(), c.Query("images") == "true"))
	})

	sessions.GET("/images/:variant", func(c *gin.Context) {
		variant, err := classifier.ParseVariant(c.Param("variant"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		snap := currentSession(c).Snapshot()
		img := snap.Original
		if variant == classifier.VariantAugmented {
			img = snap.Augmented
		}
		if img == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no image uploaded"})
			return
		}
		c.Data(http.StatusOK, img.MIMEType, img.Data)
	})

	sessions.POST("/upload", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		session := currentSession(c)
		if err := session.Upload(c.Request.Context(), file.Filename, data); err != nil {
			writeSessionError(c, session, err)
			return
		}
		c.JSON(http.StatusOK, newSessionView(session.Snapshot(), false))
	})

	sessions.POST("/predict", func(c *gin.Context) {
		session := currentSession(c)
		if _, err := session.Predict(c.Request.Context()); err != nil {
			writeSessionError(c, session, err)
			return
		}
		c.JSON(http.StatusOK, newSessionView(session.Snapshot(), false))
	})

	sessions.POST("/cancel", func(c *gin.Context) {
		session := currentSession(c)
		if err := session.Cancel(); err != nil {
			writeSessionError(c, session, err)
			return
		}
		c.JSON(http.StatusOK, newSessionView(session.Snapshot(), false))
	})

	sessions.POST("/reset", func(c *gin.Context) {
		session := currentSession(c)
		session.Reset()
		c.JSON(http.StatusOK, newSessionView(session.Snapshot(), false))
	})

	sessions.DELETE("", func(c *gin.Context) {
		if err := uc.DeleteSession(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
}

const sessionKey = "session"

func loadSession(uc *usecase.DiagnosisUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := uc.Session(c.Param("id"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Set(sessionKey, session)
		c.Next()
	}
}

func currentSession(c *gin.Context) *usecase.Session {
	return c.MustGet(sessionKey).(*usecase.Session)
}

func writeSessionError(c *gin.Context, session *usecase.Session, err error) {
	status := statusFor(err)
	snap := session.Snapshot()
	message := snap.Error
	if message == "" {
		message = err.Error()
	}
	c.JSON(status, gin.H{
		"error":   message,
		"session": newSessionView(snap, false),
	})
}

func statusFor(err error) int {
	var (
		decodeErr *imageprocessor.DecodeError
		diagErr   *classifier.DiagnosisError
	)
	switch {
	case errors.Is(err, usecase.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrInvalidTransition),
		errors.Is(err, usecase.ErrBusy),
		errors.Is(err, usecase.ErrRoundAbandoned),
		errors.Is(err, usecase.ErrMissingImages):
		return http.StatusConflict
	case errors.As(err, &decodeErr),
		errors.Is(err, imageprocessor.ErrEmptyImage),
		errors.Is(err, imageprocessor.ErrUnsupportedFormat),
		errors.Is(err, imageprocessor.ErrImageTooLarge):
		return http.StatusUnprocessableEntity
	case errors.As(err, &diagErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
