// Package report renders a race.Report as a structured log (§6 race
// report) and, optionally, publishes it as JSON messages to a Kafka
// topic for downstream tooling (C7).
//
// Grounded on hb_race_detector.py's print_races (one block per race,
// with the pairing, event ids and operations printed together) and
// pkg/exporter.KafkaProto's writer-interface-for-testability shape and
// batch-then-submit pattern.
package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/nsg-ethz/hbrace/pkg/race"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

var rlog = logrus.WithField("component", "report.Logger")

// LogReport writes report as structured logrus output: one summary
// line followed by one line per harmful and commuting race. Mirrors
// print_races's grouping (races_harmful printed ahead of
// races_commute), translated into log fields instead of raw prints.
func LogReport(report *race.Report) {
	rlog.WithFields(logrus.Fields{
		"totalOps":     report.TotalOps,
		"totalRaces":   report.TotalRaces(),
		"harmful":      len(report.RacesHarmful),
		"commute":      len(report.RacesCommute),
		"filtered":     report.Filtered,
		"racingEvents": len(report.RacingEvents),
	}).Info("race detection complete")

	for _, r := range report.RacesHarmful {
		logRace(rlog.WithField("severity", "harmful"), r)
	}
	for _, r := range report.RacesCommute {
		logRace(rlog.WithField("severity", "commute"), r)
	}
}

func logRace(entry *logrus.Entry, r race.Race) {
	entry.WithFields(logrus.Fields{
		"kind":   r.Kind,
		"eventA": r.EventA,
		"eventB": r.EventB,
	}).Info("race")
}

// kafkaWriter abstracts kafkago.Writer.WriteMessages for dependency
// injection in tests, mirroring pkg/exporter's kafkaWriter interface.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// raceJSON is the wire shape of one race published to Kafka.
type raceJSON struct {
	Kind     race.Kind   `json:"kind"`
	EventA   hbevent.EID `json:"eventA"`
	EventB   hbevent.EID `json:"eventB"`
	Commutes bool        `json:"commutes"`
}

// KafkaSink publishes a race.Report as one JSON message per race to a
// Kafka topic.
type KafkaSink struct {
	Writer kafkaWriter
}

// NewKafkaSink creates a sink writing to brokers/topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{Writer: &kafkago.Writer{
		Addr:     kafkago.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafkago.LeastBytes{},
	}}
}

// PublishReport batches every race in report into Kafka messages and
// submits them, mirroring KafkaProto.batchAndSubmit.
func (k *KafkaSink) PublishReport(ctx context.Context, report *race.Report) error {
	msgs := make([]kafkago.Message, 0, report.TotalRaces())
	for _, races := range [][]race.Race{report.RacesHarmful, report.RacesCommute} {
		for _, r := range races {
			b, err := json.Marshal(raceJSON{Kind: r.Kind, EventA: r.EventA, EventB: r.EventB, Commutes: r.Commutes})
			if err != nil {
				rlog.WithError(err).Debug("can't encode race as JSON. Ignoring")
				continue
			}
			msgs = append(msgs, kafkago.Message{Value: b})
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := k.Writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("report: publishing to kafka: %w", err)
	}
	return nil
}
