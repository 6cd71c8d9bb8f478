package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"trustedge_backend/internal/models"
)

// ScoreFeatures is the feature payload the scoring model consumes. Optional
// fields stay nil when the applicant did not supply them; the model imputes.
type ScoreFeatures struct {
	Amount          float64  `json:"amount"`
	TermMonths      int      `json:"term_months"`
	AnnualIncome    *float64 `json:"annual_income,omitempty"`
	CreditScore     *int     `json:"credit_score,omitempty"`
	DTI             *float64 `json:"dti,omitempty"`
	PastDefaults    *int     `json:"past_defaults,omitempty"`
	EmploymentYears *float64 `json:"employment_years,omitempty"`
	Savings         *float64 `json:"savings,omitempty"`
	CollateralValue *float64 `json:"collateral_value,omitempty"`
	Age             *float64 `json:"age,omitempty"`
	Purpose         string   `json:"purpose,omitempty"`
	Region          string   `json:"region,omitempty"`
}

// ScoreResult is a probability-of-good score in [0,1] with its risk band.
type ScoreResult struct {
	Score float64         `json:"score"`
	Risk  models.RiskBand `json:"risk"`
}

// AIService scores applications through the external scoring service when
// AI_SERVICE_URL is set, and through the built-in heuristic otherwise. A
// failing service also falls back to the heuristic so decisions keep
// flowing.
type AIService struct {
	baseURL string
	client  *http.Client
}

func NewAIService() *AIService {
	return &AIService{
		baseURL: strings.TrimRight(os.Getenv("AI_SERVICE_URL"), "/"),
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

// Mode reports which scoring path is configured.
func (s *AIService) Mode() string {
	if s.baseURL == "" {
		return "local"
	}
	return "service"
}

// Health asks the scoring service for its health payload.
func (s *AIService) Health(ctx context.Context) (map[string]interface{}, error) {
	if s.baseURL == "" {
		return map[string]interface{}{"status": "ok", "mode": "local"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewExternalError("ai", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, NewExternalError("ai", fmt.Errorf("health returned %d: %s", resp.StatusCode, string(body)))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, NewExternalError("ai", err)
	}
	out["mode"] = "service"
	return out, nil
}

// Predict scores the features. Service errors are logged and absorbed by the
// local heuristic; the caller always gets a result.
func (s *AIService) Predict(ctx context.Context, f ScoreFeatures) ScoreResult {
	if s.baseURL == "" {
		return LocalScore(f)
	}
	res, err := s.predictRemote(ctx, f)
	if err != nil {
		log.Printf("[ai] remote predict failed, using local heuristic: %v", err)
		return LocalScore(f)
	}
	return *res
}

func (s *AIService) predictRemote(ctx context.Context, f ScoreFeatures) (*ScoreResult, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewExternalError("ai", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, NewExternalError("ai", fmt.Errorf("predict returned %d: %s", resp.StatusCode, string(body)))
	}

	var raw struct {
		Score float64 `json:"score"`
		Risk  string  `json:"risk"`
		Band  string  `json:"band"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, NewExternalError("ai", err)
	}

	band := raw.Risk
	if band == "" {
		band = raw.Band
	}
	if band == "" {
		band = string(RiskBandFor(raw.Score))
	}
	return &ScoreResult{Score: raw.Score, Risk: models.RiskBand(band)}, nil
}

// RiskBandFor buckets a score into the bands the decision flow keys on.
func RiskBandFor(score float64) models.RiskBand {
	switch {
	case score >= 0.75:
		return models.RiskBandLow
	case score >= 0.50:
		return models.RiskBandMedium
	default:
		return models.RiskBandHigh
	}
}

// LocalScore reproduces the scoring service's heuristic: higher credit
// score, income, savings and collateral push the score up; debt ratio, large
// amounts and past defaults pull it down. Clamped to [0,1].
func LocalScore(f ScoreFeatures) ScoreResult {
	cs := 650.0
	if f.CreditScore != nil {
		cs = float64(*f.CreditScore)
	}
	dti := 0.35
	if f.DTI != nil {
		dti = *f.DTI
	}
	inc := 40000.0
	if f.AnnualIncome != nil {
		inc = *f.AnnualIncome
	}
	sav := 0.0
	if f.Savings != nil {
		sav = *f.Savings
	}
	col := 0.0
	if f.CollateralValue != nil {
		col = *f.CollateralValue
	}
	emp := 2.0
	if f.EmploymentYears != nil {
		emp = *f.EmploymentYears
	}
	defs := 0.0
	if f.PastDefaults != nil {
		defs = float64(*f.PastDefaults)
	}

	score := 0.50

	score += math.Max(0, cs-650.0) / 1000.0
	score += math.Min(inc, 150000.0) / 1000000.0
	score += math.Min(sav, 50000.0) / 250000.0
	score += math.Min(col, 200000.0) / 1000000.0
	score += math.Min(emp, 10.0) / 100.0

	score -= math.Max(0, dti-0.35) * 0.6
	score -= math.Max(0, f.Amount-10000.0) / 120000.0
	score -= math.Min(defs, 5.0) * 0.05

	score = math.Max(0.0, math.Min(1.0, score))
	return ScoreResult{Score: score, Risk: RiskBandFor(score)}
}
