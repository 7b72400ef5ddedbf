package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-health/kestrel/internal/domain"
)

func serveJSON(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			json.NewEncoder(w).Encode(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sampleFacts() *domain.CaseFacts {
	return &domain.CaseFacts{
		TenantID:       "tenant-a",
		CaseID:         "case-1",
		ProviderID:     "prov-1",
		PatientID:      "pat-1",
		ClaimType:      "outpatient",
		ClaimAmount:    850,
		ProcedureCodes: []string{"99213", "85025"},
		DiagnosisCodes: []string{"E11.9"},
		MedicalText:    "routine follow-up with lab work",
		SubmittedAt:    time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC),
	}
}

func TestTransformerAdapter(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, transformerResponse{
		Probability: 0.92,
		Label:       "consistent",
		TokenCount:  14,
	})

	a := &TransformerAdapter{Client: srv.Client()}
	out, err := a.Invoke(context.Background(), domain.ModelSpec{Endpoint: srv.URL}, sampleFacts(), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if out.Score != 0.92 {
		t.Errorf("expected score 0.92, got %f", out.Score)
	}
	if out.Confidence != domain.ConfidenceHigh {
		t.Errorf("expected high confidence at margin 0.42, got %s", out.Confidence)
	}
	if out.Evidence["label"] != "consistent" {
		t.Errorf("expected label in evidence, got %v", out.Evidence)
	}
}

func TestTransformerRejectsOutOfRangeProbability(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, transformerResponse{Probability: 1.4})

	a := &TransformerAdapter{Client: srv.Client()}
	_, err := a.Invoke(context.Background(), domain.ModelSpec{Endpoint: srv.URL}, sampleFacts(), nil)
	if !errors.Is(err, domain.ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestClassifierInvertsFraudProbability(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, classifierResponse{
		FraudProbability:  0.85,
		FeatureImportance: map[string]float64{"claim_amount": 0.6},
	})

	a := &ClassifierAdapter{Client: srv.Client()}
	out, err := a.Invoke(context.Background(), domain.ModelSpec{Endpoint: srv.URL}, sampleFacts(), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	// higher always means more legitimate
	if math.Abs(out.Score-0.15) > 1e-9 {
		t.Errorf("expected score 0.15 for fraud probability 0.85, got %f", out.Score)
	}
	if out.Evidence["fraud_probability"] != 0.85 {
		t.Errorf("expected raw probability in evidence, got %v", out.Evidence)
	}
	if out.Evidence["importance.claim_amount"] != 0.6 {
		t.Errorf("expected feature importance in evidence, got %v", out.Evidence)
	}
}

func TestClassifierSelectsConfiguredFeatures(t *testing.T) {
	var captured classifierRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(classifierResponse{FraudProbability: 0.1})
	}))
	defer srv.Close()

	a := &ClassifierAdapter{Client: srv.Client()}
	spec := domain.ModelSpec{Endpoint: srv.URL, Features: []string{"claim_amount", "procedure_count"}}
	if _, err := a.Invoke(context.Background(), spec, sampleFacts(), nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if len(captured.Features) != 2 {
		t.Fatalf("expected only the configured features, got %v", captured.Features)
	}
	if _, ok := captured.Features["claim_amount"]; !ok {
		t.Errorf("claim_amount missing from features: %v", captured.Features)
	}
}

func TestSequenceAnomalyNormalization(t *testing.T) {
	cases := []struct {
		anomaly float64
		want    float64
	}{
		{0, 1.0},
		{1, math.Exp(-1)},
		{5, math.Exp(-5)},
	}

	for _, tc := range cases {
		srv := serveJSON(t, http.StatusOK, sequenceResponse{AnomalyScore: tc.anomaly})
		a := &SequenceAdapter{Client: srv.Client()}

		out, err := a.Invoke(context.Background(), domain.ModelSpec{Endpoint: srv.URL}, sampleFacts(), nil)
		if err != nil {
			t.Fatalf("anomaly %f: %v", tc.anomaly, err)
		}
		if math.Abs(out.Score-tc.want) > 1e-9 {
			t.Errorf("anomaly %f: expected score %f, got %f", tc.anomaly, tc.want, out.Score)
		}
	}
}

func TestSequenceRejectsNegativeAnomaly(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, sequenceResponse{AnomalyScore: -2})

	a := &SequenceAdapter{Client: srv.Client()}
	_, err := a.Invoke(context.Background(), domain.ModelSpec{Endpoint: srv.URL}, sampleFacts(), nil)
	if !errors.Is(err, domain.ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestPostJSONErrorClassification(t *testing.T) {
	t.Run("ServerError", func(t *testing.T) {
		srv := serveJSON(t, http.StatusInternalServerError, nil)
		err := postJSON(context.Background(), srv.Client(), srv.URL, map[string]any{}, &struct{}{})
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			t.Errorf("expected ErrBackendUnavailable for 500, got %v", err)
		}
	})

	t.Run("ClientError", func(t *testing.T) {
		srv := serveJSON(t, http.StatusBadRequest, nil)
		err := postJSON(context.Background(), srv.Client(), srv.URL, map[string]any{}, &struct{}{})
		if !errors.Is(err, domain.ErrInvalidResponse) {
			t.Errorf("expected ErrInvalidResponse for 400, got %v", err)
		}
	})

	t.Run("UndecodableBody", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer srv.Close()
		err := postJSON(context.Background(), srv.Client(), srv.URL, map[string]any{}, &struct{}{})
		if !errors.Is(err, domain.ErrInvalidResponse) {
			t.Errorf("expected ErrInvalidResponse for garbage body, got %v", err)
		}
		if !strings.Contains(err.Error(), "not json") {
			t.Errorf("expected raw payload in error, got %v", err)
		}
	})

	t.Run("ErrorBodyCarriedInMessage", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"model shard offline"}`))
		}))
		defer srv.Close()
		err := postJSON(context.Background(), srv.Client(), srv.URL, map[string]any{}, &struct{}{})
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			t.Errorf("expected ErrBackendUnavailable for 502, got %v", err)
		}
		if !strings.Contains(err.Error(), "model shard offline") {
			t.Errorf("expected backend payload in error, got %v", err)
		}
	})

	t.Run("LongBodyTruncated", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(strings.Repeat("x", 2000)))
		}))
		defer srv.Close()
		err := postJSON(context.Background(), srv.Client(), srv.URL, map[string]any{}, &struct{}{})
		if !errors.Is(err, domain.ErrInvalidResponse) {
			t.Errorf("expected ErrInvalidResponse for 400, got %v", err)
		}
		if len(err.Error()) > 600 {
			t.Errorf("expected payload to be truncated, error is %d bytes", len(err.Error()))
		}
	})

	t.Run("Deadline", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := postJSON(ctx, srv.Client(), srv.URL, map[string]any{}, &struct{}{})
		if !errors.Is(err, domain.ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("ConnectionRefused", func(t *testing.T) {
		err := postJSON(context.Background(), http.DefaultClient, "http://127.0.0.1:1", map[string]any{}, &struct{}{})
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			t.Errorf("expected ErrBackendUnavailable, got %v", err)
		}
	})
}

func TestParseVerdict(t *testing.T) {
	t.Run("FencedJSON", func(t *testing.T) {
		v, err := parseVerdict("```json\n{\"verdict\":\"DENY\",\"certainty\":\"high\",\"rationale\":\"dup claim\"}\n```")
		if err != nil {
			t.Fatalf("parseVerdict: %v", err)
		}
		if v.Verdict != "deny" {
			t.Errorf("verdict = %q, want deny", v.Verdict)
		}
	})

	t.Run("NoJSONObject", func(t *testing.T) {
		_, err := parseVerdict("the claim looks fine to me")
		if !errors.Is(err, domain.ErrInvalidResponse) {
			t.Fatalf("expected ErrInvalidResponse, got %v", err)
		}
		if !strings.Contains(err.Error(), "the claim looks fine to me") {
			t.Errorf("expected model response in error, got %v", err)
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		_, err := parseVerdict(`{"verdict": approve}`)
		if !errors.Is(err, domain.ErrInvalidResponse) {
			t.Fatalf("expected ErrInvalidResponse, got %v", err)
		}
		if !strings.Contains(err.Error(), "verdict") {
			t.Errorf("expected model response in error, got %v", err)
		}
	})

	t.Run("UnknownVerdict", func(t *testing.T) {
		_, err := parseVerdict(`{"verdict":"escalate"}`)
		if !errors.Is(err, domain.ErrInvalidResponse) {
			t.Fatalf("expected ErrInvalidResponse, got %v", err)
		}
	})
}

func TestConfidenceFromMargin(t *testing.T) {
	cases := []struct {
		score float64
		want  domain.Confidence
	}{
		{0.95, domain.ConfidenceHigh},
		{0.05, domain.ConfidenceHigh},
		{0.75, domain.ConfidenceMedium},
		{0.25, domain.ConfidenceMedium},
		{0.55, domain.ConfidenceLow},
		{0.5, domain.ConfidenceLow},
	}
	for _, tc := range cases {
		if got := confidenceFromMargin(tc.score); got != tc.want {
			t.Errorf("score %f: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}

func TestRegistryUnknownModelType(t *testing.T) {
	r, err := NewRegistry(context.Background(), domain.ModelsConfig{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	_, err = r.Invoke(context.Background(), domain.ModelSpec{Type: domain.ModelLLM}, sampleFacts(), nil)
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable without an LLM key, got %v", err)
	}
}
