package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/psds-microservice/consultation-service/internal/config"
	"github.com/psds-microservice/consultation-service/internal/database"
	"github.com/psds-microservice/consultation-service/internal/kafka"
	"github.com/psds-microservice/consultation-service/internal/model"
	"github.com/psds-microservice/consultation-service/internal/service"
	"github.com/spf13/cobra"
)

var resyncRatingsCmd = &cobra.Command{
	Use:   "resync-ratings",
	Short: "Recompute cached rating aggregates (cons.con_rates) from answers. Emits Kafka events when brokers are configured.",
	RunE:  runResyncRatings,
}

func init() {
	rootCmd.AddCommand(resyncRatingsCmd)
}

func runResyncRatings(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	_ = godotenv.Load("../../.env") // repo root when running from bin/
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	conn, err := database.Open(cfg.DSN())
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}

	var consIDs []string
	if err := conn.Model(&model.ConsRatingAnswer{}).
		Distinct("cons_id").
		Order("cons_id").
		Pluck("cons_id", &consIDs).Error; err != nil {
		return fmt.Errorf("list rated consultations: %w", err)
	}
	log.Printf("resync-ratings: found %d consultations with answers", len(consIDs))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
	defer producer.Close()

	var failed int
	for i, consID := range consIDs {
		var answers []model.ConsRatingAnswer
		if err := conn.WithContext(ctx).
			Where("cons_id = ?", consID).
			Order("question_number").
			Find(&answers).Error; err != nil {
			log.Printf("resync-ratings: %s: load answers: %v", consID, err)
			failed++
			continue
		}
		agg := service.BuildRatingAggregate(answers)
		raw, err := json.Marshal(agg)
		if err != nil {
			log.Printf("resync-ratings: %s: marshal: %v", consID, err)
			failed++
			continue
		}
		if err := conn.WithContext(ctx).Model(&model.Consultation{}).
			Where("cons_id = ?", consID).
			Update("con_rates", json.RawMessage(raw)).Error; err != nil {
			log.Printf("resync-ratings: %s: update: %v", consID, err)
			failed++
			continue
		}
		producer.ProduceConsultationEvent(ctx, kafka.EventConsultationRated, map[string]interface{}{
			"cons_id": consID,
			"rating":  agg,
		})
		if (i+1)%50 == 0 || i == len(consIDs)-1 {
			log.Printf("resync-ratings: processed %d/%d", i+1, len(consIDs))
		}
	}
	log.Printf("resync-ratings: done, %d ok, %d failed", len(consIDs)-failed, failed)
	return nil
}
