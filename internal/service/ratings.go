package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/psds-microservice/consultation-service/internal/errs"
	"github.com/psds-microservice/consultation-service/internal/kafka"
	"github.com/psds-microservice/consultation-service/internal/model"
)

// RatingAnswerInput — один ответ анкеты оценки от клиента.
type RatingAnswerInput struct {
	QuestionNumber int    `json:"question_number"`
	Rating         *int16 `json:"rating"`
	Question       string `json:"question,omitempty"`
	Comment        string `json:"comment,omitempty"`
}

// SubmitRatings сохраняет пачку ответов анкеты. Повтор той же пачки
// безвреден: ответы уникальны по (cons_id, question_number) и апсертятся.
// После записи агрегат пересчитывается и кэшируется на консультации.
func (s *ConsultationService) SubmitRatings(ctx context.Context, consID string, answers []RatingAnswerInput) (*model.RatingAggregate, error) {
	if len(answers) == 0 {
		return nil, fmt.Errorf("%w: пустая анкета", errs.ErrValidation)
	}
	for _, a := range answers {
		if a.QuestionNumber <= 0 {
			return nil, fmt.Errorf("%w: номер вопроса должен быть положительным", errs.ErrValidation)
		}
		if a.Rating != nil && (*a.Rating < 1 || *a.Rating > 5) {
			return nil, fmt.Errorf("%w: оценка %d вне шкалы 1..5", errs.ErrValidation, *a.Rating)
		}
	}

	cons, err := s.store.GetConsultation(ctx, consID)
	if err != nil {
		return nil, err
	}

	for _, a := range answers {
		err := s.store.UpsertRatingAnswer(ctx, &model.ConsRatingAnswer{
			ConsID:         cons.ConsID,
			ConsKey:        cons.ClRefKey,
			ClientID:       cons.ClientID,
			ManagerKey:     cons.Manager,
			QuestionNumber: a.QuestionNumber,
			Rating:         a.Rating,
			QuestionText:   a.Question,
			Comment:        a.Comment,
		})
		if err != nil {
			return nil, err
		}
	}

	agg, err := s.RecomputeRatingAggregate(ctx, cons.ConsID)
	if err != nil {
		return nil, err
	}
	s.produceEvent(ctx, kafka.EventConsultationRated, cons)
	return agg, nil
}

// Ratings возвращает сохранённые ответы анкеты по консультации.
func (s *ConsultationService) Ratings(ctx context.Context, consID string) ([]model.ConsRatingAnswer, error) {
	if _, err := s.store.GetConsultation(ctx, consID); err != nil {
		return nil, err
	}
	return s.store.RatingAnswers(ctx, consID)
}

// RecomputeRatingAggregate пересчитывает агрегат оценок по всем ответам и
// записывает его в con_rates. Используется и после приёма анкеты, и фоновой
// пересборкой агрегатов.
func (s *ConsultationService) RecomputeRatingAggregate(ctx context.Context, consID string) (*model.RatingAggregate, error) {
	answers, err := s.store.RatingAnswers(ctx, consID)
	if err != nil {
		return nil, err
	}

	agg := BuildRatingAggregate(answers)
	raw, err := json.Marshal(agg)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateConsultationFields(ctx, consID, map[string]interface{}{
		"con_rates": json.RawMessage(raw),
	}); err != nil {
		return nil, err
	}
	return agg, nil
}

// ResyncRatings пересобирает агрегаты по консультациям с необработанными
// ответами и помечает ответы обработанными. Возвращает число консультаций.
func (s *ConsultationService) ResyncRatings(ctx context.Context, batch int) (int, error) {
	ids, err := s.store.PendingRatingConsIDs(ctx, batch)
	if err != nil {
		return 0, err
	}
	var done int
	for _, consID := range ids {
		if _, err := s.RecomputeRatingAggregate(ctx, consID); err != nil {
			log.Printf("service: resync ratings %s: %v", consID, err)
			continue
		}
		if err := s.store.MarkRatingsSent(ctx, consID); err != nil {
			log.Printf("service: resync ratings %s: mark sent: %v", consID, err)
			continue
		}
		done++
	}
	return done, nil
}

// BuildRatingAggregate считает среднее только по числовым оценкам;
// текстовые ответы входят в count и в список, но не в среднее.
func BuildRatingAggregate(answers []model.ConsRatingAnswer) *model.RatingAggregate {
	agg := &model.RatingAggregate{Count: len(answers)}
	var sum, rated int
	for _, a := range answers {
		agg.Answers = append(agg.Answers, model.RatingAnswerBrief{
			QuestionNumber: a.QuestionNumber,
			Rating:         a.Rating,
			Question:       a.QuestionText,
			Comment:        a.Comment,
			ManagerKey:     a.ManagerKey,
		})
		if a.Rating != nil {
			sum += int(*a.Rating)
			rated++
		}
	}
	if rated > 0 {
		avg := float64(sum) / float64(rated)
		agg.Average = &avg
	}
	return agg
}
