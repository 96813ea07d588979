// Package ocr recognizes business licenses from archived license images and
// records the structured result against the supplier.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-cli/internal/config"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// Recognizer turns a license image URL into structured fields.
type Recognizer interface {
	Recognize(ctx context.Context, imageURL string) (*model.OCRResult, error)
}

// NewRecognizer creates a Recognizer based on config.
func NewRecognizer(cfg config.OCRConfig) (Recognizer, error) {
	switch cfg.Provider {
	case "baidu", "":
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			return nil, eris.New("ocr: baidu provider requires ocr.api_key and ocr.secret_key")
		}
		breaker := NewBreaker(resilience.FromCircuitConfig("baidu-ocr", cfg.BreakerThreshold, cfg.BreakerResetSecs))
		return NewBaidu(cfg.APIKey, cfg.SecretKey, WithBreaker(breaker)), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

// NewBreaker creates a circuit breaker that only trips on transient failures.
// An unreadable image must not stop recognition of the rest of the queue.
func NewBreaker(cfg resilience.CircuitBreakerConfig) *resilience.CircuitBreaker {
	cfg.ShouldTrip = func(err error) bool {
		return resilience.ClassifyError(err) == resilience.ClassTransient
	}
	return resilience.NewCircuitBreaker(cfg)
}
