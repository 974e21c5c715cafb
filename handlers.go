package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/agarvision/leaf-disease-service/inference"
	"github.com/agarvision/leaf-disease-service/models"
	"github.com/agarvision/leaf-disease-service/policy"
	"github.com/agarvision/leaf-disease-service/preprocess"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

var errNoImage = errors.New("no image in request")

type predictor interface {
	Predict(ctx context.Context, data []byte, timings *models.ProcessingTimings) (*models.ClassificationResult, error)
}

type AppState struct {
	Predictor predictor
	Metrics   *serviceMetrics
	Debug     bool
}

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type InfoResponse struct {
	Module    string   `json:"module"`
	Endpoints []string `json:"endpoints"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *AppState) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.Metrics.middleware)

	r.HandleFunc("/", handleRoot).Methods("GET")
	r.HandleFunc("/health", handleHealth).Methods("GET")

	thisara := r.PathPrefix("/thisara").Subrouter()
	thisara.HandleFunc("/info", handleInfo).Methods("GET")
	thisara.HandleFunc("/predict", s.handlePredict).Methods("POST")

	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.Handle("/metrics", s.Metrics.handler()).Methods("GET")
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Message: MsgRunning})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "healthy"})
}

func handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{
		Module:    ModuleName,
		Endpoints: []string{"/thisara/predict", "/thisara/info"},
	})
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := uuid.NewString()
	timings := &models.ProcessingTimings{RequestID: requestID}
	w.Header().Set("X-Request-ID", requestID)

	logger := slog.With("request_id", requestID)

	imgBytes, err := readUpload(w, r)
	if err != nil {
		logger.Warn("invalid upload", "err", err)
		s.Metrics.observePrediction("error")
		message := "invalid upload: " + err.Error()
		if errors.Is(err, errNoImage) || errors.Is(err, http.ErrMissingFile) {
			message = MsgNoImage
		}
		sendErrorResponse(w, message, http.StatusInternalServerError)
		return
	}

	result, err := s.Predictor.Predict(r.Context(), imgBytes, timings)
	if err != nil {
		s.Metrics.observePrediction("error")
		sendErrorResponse(w, describeError(logger, err), http.StatusInternalServerError)
		return
	}

	timings.Total = time.Since(startTotal)
	s.logTimings(logger, timings)

	outcome := "accepted"
	if result.PredictedDisease == policy.OutOfDomainLabel {
		outcome = "rejected"
	}
	s.Metrics.observePrediction(outcome)
	logger.Info("prediction",
		"label", result.PredictedDisease,
		"confidence", result.Confidence,
		"gap", result.Top2.Gap,
		"duration", timings.Total)

	writeJSON(w, http.StatusOK, result)
}

// describeError logs err at a level matching its cause and returns the
// message for the client.
func describeError(logger *slog.Logger, err error) string {
	switch {
	case errors.Is(err, preprocess.ErrDecode):
		logger.Warn("undecodable image", "err", err)
		return MsgInvalidImage
	case errors.Is(err, policy.ErrClassCountMismatch):
		logger.Error("model and class list disagree, check the model metadata", "err", err)
		return err.Error()
	case errors.Is(err, policy.ErrNonFinite):
		logger.Error("model produced a non-finite probability, check the artifact", "err", err)
		return err.Error()
	case errors.Is(err, inference.ErrModelLoad):
		logger.Error("model load failed", "err", err)
		return fmt.Sprintf("%s (%v)", MsgModelDown, err)
	default:
		logger.Error("prediction failed", "err", err)
		return err.Error()
	}
}

func (s *AppState) logTimings(logger *slog.Logger, t *models.ProcessingTimings) {
	if !s.Debug {
		return
	}
	logger.Debug("processing times",
		"decode", t.ImageDecode,
		"resize", t.Resize,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"decision", t.Decision,
		"total", t.Total)
}

// readUpload accepts a multipart "file" field, a JSON body with a base64
// "image", or the raw image bytes.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	var data []byte
	switch mediaType {
	case "multipart/form-data":
		data, err = handleMultipartRequest(r)
	case "application/json":
		data, err = handleJSONRequest(r)
	default:
		data, err = handleRawRequest(r)
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errNoImage
	}
	return data, nil
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

// writeJSON encodes v before touching the response, so an unencodable value
// becomes a 500 instead of a 200 with an empty body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "err", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Error: MsgEncodeFailed})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.Warn("failed to write response", "err", err)
	}
}

func sendErrorResponse(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
