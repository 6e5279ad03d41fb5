package processor

import (
	"fmt"

	"github.com/san-kum/liftform/server/analyzer"
	"github.com/san-kum/liftform/server/models"
)

const (
	FeedbackCategorySpine    = "spine"
	FeedbackCategoryPosition = "position"
	FeedbackCategoryRep      = "rep"
	FeedbackCategoryModel    = "model"
)

func generateFeedback(res analyzer.Result) []models.Feedback {
	feedback := []models.Feedback{}

	if !res.Detected {
		return append(feedback, models.Feedback{
			Type:     "info",
			Message:  "Step into the frame so your whole body is visible",
			Category: FeedbackCategoryPosition,
			Priority: 3,
		})
	}

	switch res.Spine.ConfirmedStatus {
	case models.SpineCritical:
		feedback = append(feedback, models.Feedback{
			Type:     "error",
			Message:  "Stop the lift - your back is rounding heavily",
			Score:    res.LiveScore,
			Category: FeedbackCategorySpine,
			Priority: 1,
		})
	case models.SpineDanger:
		feedback = append(feedback, models.Feedback{
			Type:     "error",
			Message:  "Straighten your back and brace your core",
			Score:    res.LiveScore,
			Category: FeedbackCategorySpine,
			Priority: 1,
		})
	case models.SpineWarning:
		feedback = append(feedback, models.Feedback{
			Type:     "warning",
			Message:  "Keep your chest up, your back is starting to round",
			Score:    res.LiveScore,
			Category: FeedbackCategorySpine,
			Priority: 2,
		})
	}

	if !res.Position.IsReady && res.Position.Suggestion != nil {
		feedback = append(feedback, models.Feedback{
			Type:     "info",
			Message:  *res.Position.Suggestion,
			Category: FeedbackCategoryPosition,
			Priority: 3,
		})
	}

	if res.Event.RepRejected {
		feedback = append(feedback, models.Feedback{
			Type:     "warning",
			Message:  "Rep too fast to count - control the descent",
			Category: FeedbackCategoryRep,
			Priority: 2,
		})
	}

	if res.Event.RepCounted && res.LastFinalizedScore != nil {
		score := *res.LastFinalizedScore
		fb := models.Feedback{
			Type:     "success",
			Message:  fmt.Sprintf("Rep %d done, score %d", res.Phase.RepCountInSet, score),
			Score:    score,
			Category: FeedbackCategoryRep,
			Priority: 2,
		}
		if score < 70 {
			fb.Type = "warning"
			fb.Message = fmt.Sprintf("Rep %d counted, score %d - slow down and keep your back flat", res.Phase.RepCountInSet, score)
		}
		feedback = append(feedback, fb)
	}

	for _, label := range res.MLIssues {
		feedback = append(feedback, models.Feedback{
			Type:     "warning",
			Message:  label,
			Category: FeedbackCategoryModel,
			Priority: 2,
		})
	}

	return feedback
}
