// Package database wraps the Supabase tables used by the HITL review queue.
package database

import (
	"context"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// ============================================================================
// SUPABASE CLIENT - HITL review queue
// ============================================================================

const tableReviews = "hitl_reviews"

// SupabaseClient wraps the Supabase Go client with the engine's table operations.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient creates a client from SUPABASE_URL and SUPABASE_SERVICE_KEY.
func NewSupabaseClient() (*SupabaseClient, error) {
	return NewSupabaseClientWith(os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_SERVICE_KEY"))
}

// NewSupabaseClientWith creates a client for an explicit project URL and key.
func NewSupabaseClientWith(url, key string) (*SupabaseClient, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client}, nil
}

// ============================================================================
// DATA MODELS
// ============================================================================

// ReviewRow mirrors the hitl_reviews table.
type ReviewRow struct {
	ReviewID     string                 `json:"review_id"`
	CaseID       string                 `json:"case_id"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	AgentID      string                 `json:"agent_id"`
	ValidationID string                 `json:"validation_id"`
	Reasons      []string               `json:"reasons"`
	Summary      string                 `json:"summary"`
	OverallScore float64                `json:"overall_score"`
	RiskLevel    string                 `json:"risk_level"`
	DriftScore   *float64               `json:"drift_score,omitempty"`
	Status       string                 `json:"status"`
	Reviewer     string                 `json:"reviewer,omitempty"`
	Decision     string                 `json:"decision,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	CreatedAt    string                 `json:"created_at,omitempty"` // String to handle Supabase timestamp format
	UpdatedAt    string                 `json:"updated_at,omitempty"`
}

// ============================================================================
// HITL REVIEWS
// ============================================================================

// InsertReview queues a review row.
func (sc *SupabaseClient) InsertReview(ctx context.Context, row *ReviewRow) error {
	_, _, err := sc.client.From(tableReviews).
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert %s: %w", tableReviews, err)
	}
	return nil
}

// UpdateReviewStatus records a status change and, once resolved, the decision.
func (sc *SupabaseClient) UpdateReviewStatus(ctx context.Context, reviewID, status, reviewer, decision string) error {
	patch := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if reviewer != "" {
		patch["reviewer"] = reviewer
	}
	if decision != "" {
		patch["decision"] = decision
	}
	_, _, err := sc.client.From(tableReviews).
		Update(patch, "", "").
		Eq("review_id", reviewID).
		Execute()
	if err != nil {
		return fmt.Errorf("update %s: %w", tableReviews, err)
	}
	return nil
}
