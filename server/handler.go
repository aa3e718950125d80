package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/krau/konaocr/service"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errBadImage     = errors.New("image must be a data URI or an http(s) URL")
)

type PredictionRequest struct {
	ID    string `json:"id"`
	Input struct {
		Image string `json:"image"`
	} `json:"input"`
}

type PredictionResponse struct {
	ID      string             `json:"id"`
	Status  string             `json:"status"`
	Output  *string            `json:"output"`
	Error   string             `json:"error,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

func (s *Server) authenticate(c *gin.Context) error {
	if s.token == "" {
		return nil
	}
	auth := c.GetHeader("Authorization")
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(s.token)) != 1 {
		return errUnauthorized
	}
	return nil
}

func (s *Server) authMiddleware(c *gin.Context) {
	if err := s.authenticate(c); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": s.Status()})
}

// PredictionsHandler accepts {"input": {"image": ...}} bodies.
func (s *Server) PredictionsHandler(c *gin.Context) {
	var req PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	resp := PredictionResponse{ID: req.ID}

	path, err := s.stageImage(c.Request.Context(), req.Input.Image)
	if err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
		c.JSON(http.StatusUnprocessableEntity, resp)
		return
	}
	defer os.Remove(path)

	start := time.Now()
	text, code, err := s.predict(c.Request.Context(), path)
	if err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
		c.JSON(code, resp)
		return
	}
	resp.Status = "succeeded"
	resp.Output = &text
	resp.Metrics = map[string]float64{"predict_time": time.Since(start).Seconds()}
	c.JSON(http.StatusOK, resp)
}

// PredictHandler accepts a multipart upload in the "file" field.
func (s *Server) PredictHandler(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open uploaded file"})
		return
	}
	defer file.Close()

	path, err := writeTemp(file)
	if err != nil {
		slog.Error("Failed to stage upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot stage uploaded file"})
		return
	}
	defer os.Remove(path)

	text, code, err := s.predict(c.Request.Context(), path)
	if err != nil {
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

// predict waits for the single model slot and maps errors to status codes.
func (s *Server) predict(ctx context.Context, path string) (string, int, error) {
	if s.Status() != StatusReady {
		return "", http.StatusServiceUnavailable, service.ErrNotSetUp
	}
	select {
	case <-s.pool:
	case <-ctx.Done():
		return "", http.StatusServiceUnavailable, ctx.Err()
	}
	defer func() { s.pool <- struct{}{} }()

	text, err := s.predictor.Predict(ctx, path)
	switch {
	case err == nil:
		return text, http.StatusOK, nil
	case errors.Is(err, service.ErrInput):
		return "", http.StatusBadRequest, err
	case errors.Is(err, service.ErrNotSetUp):
		return "", http.StatusServiceUnavailable, err
	default:
		slog.Error("Prediction failed", slog.String("error", err.Error()))
		return "", http.StatusInternalServerError, err
	}
}

// stageImage writes the referenced image to a temporary file.
func (s *Server) stageImage(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		comma := strings.IndexByte(ref, ',')
		if comma < 0 || !strings.HasSuffix(ref[:comma], ";base64") {
			return "", fmt.Errorf("%w: only base64 data URIs are supported", errBadImage)
		}
		data, err := base64.StdEncoding.DecodeString(ref[comma+1:])
		if err != nil {
			return "", fmt.Errorf("decode data URI: %w", err)
		}
		return writeTemp(bytes.NewReader(data))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return "", err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetch image: unexpected status %s", resp.Status)
		}
		return writeTemp(resp.Body)
	default:
		return "", errBadImage
	}
}

func writeTemp(r io.Reader) (string, error) {
	f, err := os.CreateTemp("", "konaocr-*")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, io.LimitReader(r, maxImageBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxImageBytes {
		err = fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
