// Package uploads validates report photos and stores them in a blob store.
package uploads

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	opServiceNew          = "uploads.service.new"
	opUpload              = "uploads.upload"
	defaultAttemptTimeout = 10 * time.Second
	defaultRetryDelay     = 250 * time.Millisecond
	suffixLength          = 6
	suffixAlphabet        = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// DefaultRetries is the number of store retries after the first attempt.
const DefaultRetries = 2

// ErrTransient marks a store failure that may succeed when repeated.
var ErrTransient = errors.New("transient store failure")

var (
	errMissingStore = errors.New("blob store is required")

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citypulse_uploads_total",
		Help: "Photo uploads, labeled by outcome",
	}, []string{"outcome"})
	uploadAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "citypulse_upload_store_attempts",
		Help:    "Blob store attempts per accepted upload",
		Buckets: []float64{1, 2, 3, 4},
	})
)

// File is an incoming upload.
type File struct {
	Name         string
	DeclaredType string
	Data         []byte
}

// Result describes a stored upload.
type Result struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int    `json:"size"`
	Type     string `json:"type"`
}

// ServiceConfig describes the upload service dependencies.
type ServiceConfig struct {
	Store          BlobStore
	Clock          func() time.Time
	Entropy        io.Reader
	Retries        int
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	Logger         *zap.Logger
}

// Service validates uploads and stores them with bounded retry.
type Service struct {
	store   BlobStore
	clock   func() time.Time
	entropy io.Reader
	policy  retry.Policy
	logger  *zap.Logger
}

// NewService validates cfg and constructs the upload service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, apperr.Internal(opServiceNew+".missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	entropy := cfg.Entropy
	if entropy == nil {
		entropy = rand.Reader
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   cfg.Store,
		clock:   clock,
		entropy: entropy,
		policy: retry.Policy{
			Retries:        retries,
			InitialDelay:   delay,
			MaxDelay:       4 * delay,
			AttemptTimeout: attemptTimeout,
		},
		logger: logger,
	}, nil
}

// Upload validates file and stores it under a generated name.
func (s *Service) Upload(ctx context.Context, file File) (Result, error) {
	extension, contentType, err := s.validate(file)
	if err != nil {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	filename, err := s.storedName(extension)
	if err != nil {
		uploadsTotal.WithLabelValues("failed").Inc()
		s.logError("name_generation_failed", err)
		return Result{}, apperr.Internal(opUpload+".name_generation_failed", err)
	}

	var url string
	attempts, err := retry.Do(ctx, s.policy, isTransient, func(attemptCtx context.Context) error {
		stored, putErr := s.store.Put(attemptCtx, filename, file.Data, contentType)
		if putErr != nil {
			return putErr
		}
		url = stored
		return nil
	})
	uploadAttempts.Observe(float64(attempts))
	if err != nil {
		uploadsTotal.WithLabelValues("store_failed").Inc()
		s.logError("store_failed", err, zap.String("filename", filename), zap.Int("attempts", attempts))
		return Result{}, apperr.New(apperr.KindUpstreamUnavailable, opUpload+".store_failed", "Failed to store file. Please try again.", err)
	}

	uploadsTotal.WithLabelValues("stored").Inc()
	s.logger.Info("upload stored",
		zap.String("filename", filename),
		zap.Int("size", len(file.Data)),
		zap.Int("attempts", attempts))
	return Result{URL: url, Filename: filename, Size: len(file.Data), Type: contentType}, nil
}

func (s *Service) validate(file File) (string, string, error) {
	if file.Data == nil && file.Name == "" {
		return "", "", apperr.Validation(opUpload+".missing_file", "No file provided")
	}
	if !allowedType(file.DeclaredType) {
		return "", "", apperr.Validation(opUpload+".invalid_type",
			"Invalid file type. Allowed types: "+strings.Join(allowedTypes, ", "))
	}
	if len(file.Data) > MaxFileSize {
		return "", "", apperr.Validation(opUpload+".too_large", fmt.Sprintf("File size must be less than %dMB", MaxFileSize/(1024*1024)))
	}
	if len(file.Data) == 0 {
		return "", "", apperr.Validation(opUpload+".empty", "File is empty")
	}
	if !validFileName(file.Name) {
		return "", "", apperr.Validation(opUpload+".invalid_name", "Invalid filename")
	}
	extension, ok := extensionOf(file.Name)
	if !ok {
		return "", "", apperr.Validation(opUpload+".invalid_extension", "Invalid file extension")
	}
	contentType, ok := sniffType(file.Data)
	if !ok {
		return "", "", apperr.Validation(opUpload+".content_mismatch", "File content is not a supported image")
	}
	return extension, contentType, nil
}

// storedName builds report-<unix-ms>-<random>.<ext>.
func (s *Service) storedName(extension string) (string, error) {
	buf := make([]byte, suffixLength)
	if _, err := io.ReadFull(s.entropy, buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	suffix := make([]byte, suffixLength)
	for i, b := range buf {
		suffix[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return fmt.Sprintf("report-%d-%s.%s", s.clock().UnixMilli(), suffix, extension), nil
}

// isTransient accepts timeouts and network failures only.
func isTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (s *Service) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opUpload),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("uploads service error", attrs...)
}
