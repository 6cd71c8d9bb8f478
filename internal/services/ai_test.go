package services

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"trustedge_backend/internal/models"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestLocalScore(t *testing.T) {
	tests := []struct {
		name     string
		features ScoreFeatures
		expected float64
		band     models.RiskBand
	}{
		{
			name:     "defaults only",
			features: ScoreFeatures{Amount: 5000, TermMonths: 12},
			// baseline 0.50 + default income 0.04 + default employment 0.02
			expected: 0.56,
			band:     models.RiskBandMedium,
		},
		{
			name: "strong applicant clamps to one",
			features: ScoreFeatures{
				Amount:          10000,
				TermMonths:      24,
				CreditScore:     iptr(800),
				AnnualIncome:    fptr(150000),
				Savings:         fptr(50000),
				CollateralValue: fptr(200000),
				EmploymentYears: fptr(10),
				DTI:             fptr(0.20),
			},
			expected: 1.0,
			band:     models.RiskBandLow,
		},
		{
			name: "weak applicant clamps to zero",
			features: ScoreFeatures{
				Amount:          130000,
				TermMonths:      60,
				CreditScore:     iptr(500),
				AnnualIncome:    fptr(0),
				EmploymentYears: fptr(0),
				DTI:             fptr(0.80),
				PastDefaults:    iptr(5),
			},
			expected: 0.0,
			band:     models.RiskBandHigh,
		},
		{
			name: "good credit and income reach low band",
			features: ScoreFeatures{
				Amount:       5000,
				TermMonths:   12,
				CreditScore:  iptr(750),
				AnnualIncome: fptr(150000),
			},
			// 0.50 + 0.10 credit + 0.15 income + 0.02 default employment
			expected: 0.77,
			band:     models.RiskBandLow,
		},
		{
			name: "explicit zero income scores lower than default",
			features: ScoreFeatures{
				Amount:       5000,
				TermMonths:   12,
				AnnualIncome: fptr(0),
			},
			// baseline 0.50 + default employment 0.02
			expected: 0.52,
			band:     models.RiskBandMedium,
		},
		{
			name: "income savings and collateral contributions cap",
			features: ScoreFeatures{
				Amount:          5000,
				TermMonths:      12,
				AnnualIncome:    fptr(1000000),
				Savings:         fptr(500000),
				CollateralValue: fptr(2000000),
				EmploymentYears: fptr(40),
			},
			// 0.50 + 0.15 + 0.20 + 0.20 + 0.10, same as the exact caps
			expected: 1.0,
			band:     models.RiskBandLow,
		},
		{
			name: "past defaults penalty caps at five",
			features: ScoreFeatures{
				Amount:       5000,
				TermMonths:   12,
				PastDefaults: iptr(9),
			},
			// 0.56 defaults-only baseline minus 5*0.05
			expected: 0.31,
			band:     models.RiskBandHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := LocalScore(tt.features)
			if math.Abs(res.Score-tt.expected) > 1e-9 {
				t.Errorf("LocalScore(%s).Score = %v; want %v", tt.name, res.Score, tt.expected)
			}
			if res.Risk != tt.band {
				t.Errorf("LocalScore(%s).Risk = %q; want %q", tt.name, res.Risk, tt.band)
			}
		})
	}
}

func TestRiskBandFor(t *testing.T) {
	tests := []struct {
		score    float64
		expected models.RiskBand
	}{
		{score: 1.0, expected: models.RiskBandLow},
		{score: 0.75, expected: models.RiskBandLow},
		{score: 0.7499, expected: models.RiskBandMedium},
		{score: 0.50, expected: models.RiskBandMedium},
		{score: 0.4999, expected: models.RiskBandHigh},
		{score: 0.0, expected: models.RiskBandHigh},
	}

	for _, tt := range tests {
		if got := RiskBandFor(tt.score); got != tt.expected {
			t.Errorf("RiskBandFor(%v) = %q; want %q", tt.score, got, tt.expected)
		}
	}
}

func TestPredictLocalMode(t *testing.T) {
	svc := &AIService{client: http.DefaultClient}
	if svc.Mode() != "local" {
		t.Fatalf("Mode() = %q; want local", svc.Mode())
	}

	f := ScoreFeatures{Amount: 5000, TermMonths: 12}
	got := svc.Predict(context.Background(), f)
	want := LocalScore(f)
	if got != want {
		t.Errorf("Predict() = %+v; want %+v", got, want)
	}
}

func TestPredictUsesService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			t.Errorf("request path = %q; want /predict", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 0.81, "risk": "Low"}`))
	}))
	defer server.Close()

	svc := &AIService{baseURL: server.URL, client: server.Client()}
	if svc.Mode() != "service" {
		t.Fatalf("Mode() = %q; want service", svc.Mode())
	}

	res := svc.Predict(context.Background(), ScoreFeatures{Amount: 5000, TermMonths: 12})
	if res.Score != 0.81 || res.Risk != models.RiskBandLow {
		t.Errorf("Predict() = %+v; want score 0.81 risk Low", res)
	}
}

func TestPredictFallsBackOnServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := &AIService{baseURL: server.URL, client: server.Client()}

	f := ScoreFeatures{Amount: 5000, TermMonths: 12}
	got := svc.Predict(context.Background(), f)
	want := LocalScore(f)
	if got != want {
		t.Errorf("Predict() = %+v; want local fallback %+v", got, want)
	}
}

func TestPredictBandFallsBackToScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 0.62}`))
	}))
	defer server.Close()

	svc := &AIService{baseURL: server.URL, client: server.Client()}

	res := svc.Predict(context.Background(), ScoreFeatures{Amount: 5000, TermMonths: 12})
	if res.Score != 0.62 || res.Risk != models.RiskBandMedium {
		t.Errorf("Predict() = %+v; want score 0.62 risk Medium", res)
	}
}
