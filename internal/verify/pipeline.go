// Package verify implements the decision pipeline: cheap pattern extraction
// first, the expensive vision provider only when confidence falls short.
package verify

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rielpay/payverify/internal/cache"
	"github.com/rielpay/payverify/internal/cost"
	"github.com/rielpay/payverify/internal/extract"
	"github.com/rielpay/payverify/internal/model"
	"github.com/rielpay/payverify/internal/resilience"
	"github.com/rielpay/payverify/internal/store"
	"github.com/rielpay/payverify/pkg/vision"
)

// Config tunes the pipeline's routing decision. Zero values select the
// defaults.
type Config struct {
	// ConfidenceThreshold gates the cheap path: extractions at or above it
	// skip the vision fallback.
	ConfidenceThreshold float64
	AmountTolerance     float64

	// Blend weights for combining issuer-detection confidence with average
	// field confidence. Heuristics preserved as configuration.
	IssuerWeight        float64
	ExtractionWeight    float64
	NoFieldIssuerWeight float64

	// VisionRPS throttles fallback calls across the whole process.
	VisionRPS   float64
	VisionBurst int
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.80
	}
	if c.AmountTolerance <= 0 {
		c.AmountTolerance = DefaultAmountTolerance
	}
	if c.IssuerWeight <= 0 && c.ExtractionWeight <= 0 {
		c.IssuerWeight, c.ExtractionWeight = 0.3, 0.7
	}
	if c.NoFieldIssuerWeight <= 0 {
		c.NoFieldIssuerWeight = 0.5
	}
	if c.VisionRPS <= 0 {
		c.VisionRPS = 2
	}
	if c.VisionBurst <= 0 {
		c.VisionBurst = 2
	}
	return c
}

// Request is one screenshot verification.
type Request struct {
	OCRText    string
	IssuerHint string
	TenantID   string
	MerchantID string
	Expected   model.ExpectedPayment

	// Image is passed through to the vision provider when the cheap path is
	// not confident enough. Without it the fallback is unavailable.
	Image          []byte
	ImageMediaType string
}

// Pipeline routes verifications between the pattern path and the vision
// fallback.
type Pipeline struct {
	extractor *extract.Extractor
	issuers   *cache.IssuerCache
	merchants *cache.MerchantCache
	store     store.Store
	provider  vision.Provider
	savings   *cost.SavingsTracker

	cfg     Config
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	nowFunc func() time.Time
}

// New creates a pipeline. The provider may be nil, in which case requests
// below the confidence gate come back as pending instead of falling back.
func New(extractor *extract.Extractor, issuers *cache.IssuerCache, merchants *cache.MerchantCache, s store.Store, provider vision.Provider, savings *cost.SavingsTracker, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("vision", "verify_screenshot")
	return &Pipeline{
		extractor: extractor,
		issuers:   issuers,
		merchants: merchants,
		store:     s,
		provider:  provider,
		savings:   savings,
		cfg:       cfg,
		retry:     retryCfg,
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		limiter:   rate.NewLimiter(rate.Limit(cfg.VisionRPS), cfg.VisionBurst),
		nowFunc:   time.Now,
	}
}

// Verify runs the full decision flow for one screenshot.
func (p *Pipeline) Verify(ctx context.Context, req Request) (*model.VerificationOutcome, error) {
	issuer, issuerConf := p.extractor.DetectIssuer(req.OCRText, req.IssuerHint)

	patterns, merchantRegexes := p.resolvePatterns(ctx, req.TenantID, issuer)

	extractions := p.extractor.Apply(patterns, req.OCRText)
	confidence := p.blendConfidence(issuerConf, extractions)

	if confidence >= p.cfg.ConfidenceThreshold && len(extractions) > 0 {
		outcome := p.verifyExtracted(req, issuer, confidence, extractions)
		p.recordMerchantUse(req.TenantID, issuer, merchantRegexes, extractions, outcome.Status == model.StatusVerified)

		// Any cheap-path resolution avoided a vision call, rejections
		// included. Only successes feed the trainer.
		p.savings.RecordPatternWin(ctx, req.TenantID, issuer)
		if outcome.Status == model.StatusVerified {
			p.enqueueLearning(ctx, req, issuer, confidence, outcome)
		}
		return outcome, nil
	}

	zap.L().Debug("verify: falling back to vision provider",
		zap.String("issuer", issuer),
		zap.Float64("confidence", confidence),
		zap.Int("fields_extracted", len(extractions)),
	)
	return p.verifyWithVision(ctx, req, issuer)
}

// resolvePatterns merges merchant refinements in front of the issuer
// template. Both tiers fall through cache to the durable store; the issuer
// tier falls through further to the registry fallback so an unknown issuer
// still gets generic patterns.
func (p *Pipeline) resolvePatterns(ctx context.Context, tenantID, issuer string) ([]model.ExtractionPattern, map[string]bool) {
	template := p.issuers.Get(issuer)
	if template == nil {
		stored, err := p.store.FindTemplate(ctx, issuer)
		if err != nil {
			zap.L().Error("verify: template load failed, using registry fallback",
				zap.String("issuer", issuer),
				zap.Error(err),
			)
		}
		if stored != nil {
			template = stored
		} else {
			template = p.extractor.Registry().FallbackTemplate(issuer)
		}
		// Only a successful store read is worth pinning for the TTL.
		if err == nil {
			p.issuers.Set(issuer, template)
		}
	}

	merchantRegexes := make(map[string]bool)
	var merged []model.ExtractionPattern

	if tenantID != "" {
		set := p.merchants.Get(tenantID, issuer)
		if set == nil {
			stored, err := p.store.FindMerchantSet(ctx, tenantID, issuer)
			if err != nil {
				zap.L().Warn("verify: merchant overlay load failed",
					zap.String("tenant", tenantID),
					zap.String("issuer", issuer),
					zap.Error(err),
				)
			} else if stored != nil {
				p.merchants.Set(tenantID, issuer, stored)
				set = stored
			}
		}
		if set != nil {
			for _, mp := range set.Patterns {
				merged = append(merged, mp.ExtractionPattern)
				merchantRegexes[mp.Regex] = true
			}
		}
	}

	merged = append(merged, template.Patterns...)
	return merged, merchantRegexes
}

// blendConfidence combines issuer detection with extraction quality. With no
// extracted fields only a damped issuer confidence remains, which always
// lands below the routing threshold.
func (p *Pipeline) blendConfidence(issuerConf float64, extractions map[model.FieldType]extract.Extraction) float64 {
	if len(extractions) == 0 {
		return p.cfg.NoFieldIssuerWeight * issuerConf
	}
	sum := 0.0
	for _, ex := range extractions {
		sum += ex.Confidence
	}
	avg := sum / float64(len(extractions))
	return p.cfg.IssuerWeight*issuerConf + p.cfg.ExtractionWeight*avg
}

// verifyExtracted checks extracted fields against the expected payment. All
// failing checks are reported together, not just the first.
func (p *Pipeline) verifyExtracted(req Request, issuer string, confidence float64, extractions map[model.FieldType]extract.Extraction) *model.VerificationOutcome {
	var reasons []string

	if ex, ok := extractions[model.FieldAmount]; ok {
		if !AmountMatches(ex.Value, req.Expected.Amount, p.cfg.AmountTolerance) {
			reasons = append(reasons, model.ReasonAmountMismatch)
		}
	}
	if ex, ok := extractions[model.FieldRecipient]; ok && len(req.Expected.RecipientNames) > 0 {
		if !NameMatches(ex.Value, req.Expected.RecipientNames) {
			reasons = append(reasons, model.ReasonRecipientMismatch)
		}
	}
	if ex, ok := extractions[model.FieldAccount]; ok && req.Expected.ToAccount != "" {
		if !AccountMatches(ex.Value, req.Expected.ToAccount) {
			reasons = append(reasons, model.ReasonAccountMismatch)
		}
	}
	if req.Expected.DueDate != nil {
		receivedAt := p.nowFunc()
		if req.Expected.ReceivedAt != nil {
			receivedAt = *req.Expected.ReceivedAt
		}
		if receivedAt.After(*req.Expected.DueDate) {
			reasons = append(reasons, model.ReasonPastDueDate)
		}
	}

	extracted := make(map[model.FieldType]string, len(extractions))
	for field, ex := range extractions {
		extracted[field] = ex.Value
	}

	status := model.StatusVerified
	if len(reasons) > 0 {
		status = model.StatusRejected
	}
	return &model.VerificationOutcome{
		Status:        status,
		Extracted:     extracted,
		Confidence:    confidence,
		Method:        model.MethodPattern,
		CostEffective: true,
		Reasons:       reasons,
		IssuerCode:    issuer,
	}
}

// verifyWithVision runs the expensive path behind the rate limiter, retry
// policy and circuit breaker.
func (p *Pipeline) verifyWithVision(ctx context.Context, req Request, issuer string) (*model.VerificationOutcome, error) {
	if p.provider == nil || len(req.Image) == 0 {
		return &model.VerificationOutcome{
			Status:     model.StatusPending,
			Confidence: 0,
			Method:     model.MethodVisionFallback,
			IssuerCode: issuer,
		}, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return errorOutcome(issuer), eris.Wrap(err, "verify: vision rate limit wait")
	}

	visionReq := vision.Request{
		Image:     req.Image,
		MediaType: req.ImageMediaType,
		OCRText:   req.OCRText,
		Hints: vision.Hints{
			ExpectedAmount: req.Expected.Amount,
			Currency:       req.Expected.Currency,
			RecipientNames: req.Expected.RecipientNames,
			ToAccount:      req.Expected.ToAccount,
		},
	}

	result, err := resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (*vision.Result, error) {
		return resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*vision.Result, error) {
			return p.provider.VerifyScreenshot(ctx, visionReq)
		})
	})
	if err != nil {
		zap.L().Error("verify: vision fallback failed",
			zap.String("issuer", issuer),
			zap.Error(err),
		)
		return errorOutcome(issuer), eris.Wrap(err, "verify: vision fallback")
	}

	outcome := p.outcomeFromVision(req, issuer, result)
	p.savings.RecordFallback(ctx, req.TenantID, issuer)

	if outcome.Status == model.StatusVerified {
		p.enqueueLearning(ctx, req, issuer, result.Confidence, outcome)
	}
	return outcome, nil
}

func (p *Pipeline) outcomeFromVision(req Request, issuer string, result *vision.Result) *model.VerificationOutcome {
	extracted := make(map[model.FieldType]string, 3)
	if result.Recipient != "" {
		extracted[model.FieldRecipient] = result.Recipient
	}
	if result.Account != "" {
		extracted[model.FieldAccount] = result.Account
	}
	if result.Amount != 0 {
		extracted[model.FieldAmount] = strconv.FormatFloat(result.Amount, 'f', -1, 64)
	}

	status := model.StatusPending
	var reasons []string
	switch result.Verdict {
	case "verified":
		status = model.StatusVerified
	case "rejected":
		status = model.StatusRejected
		if result.Amount != 0 && !AmountMatches(extracted[model.FieldAmount], req.Expected.Amount, p.cfg.AmountTolerance) {
			reasons = append(reasons, model.ReasonAmountMismatch)
		}
	}

	return &model.VerificationOutcome{
		Status:        status,
		Extracted:     extracted,
		Confidence:    result.Confidence,
		Method:        model.MethodVisionFallback,
		CostEffective: false,
		Reasons:       reasons,
		IssuerCode:    issuer,
	}
}

// enqueueLearning turns a successful verification into a learning record.
// Records without a tenant are never persisted; that is logged as a security
// event rather than silently defaulted.
func (p *Pipeline) enqueueLearning(ctx context.Context, req Request, issuer string, confidence float64, outcome *model.VerificationOutcome) {
	verified := model.VerifiedFields{
		Recipient: outcome.Extracted[model.FieldRecipient],
		Account:   outcome.Extracted[model.FieldAccount],
		Amount:    req.Expected.Amount,
		Currency:  req.Expected.Currency,
	}
	candidates := p.extractor.CandidatePatterns(req.OCRText, verified)

	rec, err := model.NewLearningRecord(issuer, req.TenantID, req.MerchantID, req.OCRText, verified, candidates, confidence)
	if err != nil {
		zap.L().Warn("verify: learning record dropped, no tenant context",
			zap.String("issuer", issuer),
			zap.Error(err),
		)
		return
	}
	if err := p.store.Enqueue(ctx, rec); err != nil {
		zap.L().Warn("verify: enqueue learning record failed",
			zap.String("issuer", issuer),
			zap.String("tenant", req.TenantID),
			zap.Error(err),
		)
	}
}

// recordMerchantUse updates usage counters on any merchant refinement that
// produced an extraction this request.
func (p *Pipeline) recordMerchantUse(tenantID, issuer string, merchantRegexes map[string]bool, extractions map[model.FieldType]extract.Extraction, success bool) {
	if tenantID == "" || len(merchantRegexes) == 0 {
		return
	}
	for _, ex := range extractions {
		if merchantRegexes[ex.Regex] {
			p.merchants.RecordUse(tenantID, issuer, ex.Regex, success)
		}
	}
}

func errorOutcome(issuer string) *model.VerificationOutcome {
	return &model.VerificationOutcome{
		Status:     model.StatusError,
		Method:     model.MethodVisionFallback,
		IssuerCode: issuer,
	}
}
